// Package openmdict holds the error kinds shared by the container reader
// (mdict), the block codec (blockcodec), the generic compressed stream
// (packedstorage), the offline re-indexer (reindex) and the optimized
// reader (optimized).
//
// The subpackages are the API; this package only anchors the module.
package openmdict
