package mdict

import (
	"fmt"

	openmdict "github.com/openmdict/openmdict"
)

// Bundle pairs a text container with an optional resource container of
// identical shape holding binary resources (images, audio).
type Bundle struct {
	Text     *Reader
	Resource *Reader
}

// OpenBundle opens textPath and, when resourcePath is non-empty, the
// companion resource container.
func OpenBundle(textPath, resourcePath string, opts ...Option) (*Bundle, error) {
	text, err := Open(textPath, opts...)
	if err != nil {
		return nil, err
	}
	b := &Bundle{Text: text}
	if resourcePath != "" {
		resource, err := Open(resourcePath, opts...)
		if err != nil {
			text.Close()
			return nil, err
		}
		if !resource.Header().IsResource() {
			resource.Close()
			text.Close()
			return nil, fmt.Errorf("%w: %s is not a resource container", openmdict.ErrInvalidFormat, resourcePath)
		}
		b.Resource = resource
	}
	return b, nil
}

// Close closes both containers.
func (b *Bundle) Close() error {
	err := b.Text.Close()
	if b.Resource != nil {
		if rerr := b.Resource.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// ResourceRecord looks key up in the resource container and returns its
// raw record bytes.
func (b *Bundle) ResourceRecord(key string) ([]byte, error) {
	if b.Resource == nil {
		return nil, fmt.Errorf("%w: bundle has no resource container", openmdict.ErrInvalidArgument)
	}
	entry, err := b.Resource.LookupKey(key)
	if err != nil {
		return nil, err
	}
	return b.Resource.RecordAt(entry)
}
