package reindex

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	openmdict "github.com/openmdict/openmdict"
)

// WriteReadingsDump writes the readings map as a line-oriented text file
// for inspection: "locator: reading, reading, ...". Locators are sorted
// so the dump is deterministic.
func WriteReadingsDump(readings ReadingsMap, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	locators := make([]uint64, 0, len(readings))
	for locator := range readings {
		locators = append(locators, locator)
	}
	sort.Slice(locators, func(i, j int) bool { return locators[i] < locators[j] })

	for _, locator := range locators {
		if _, err := fmt.Fprintf(w, "%d: %s\n", locator, strings.Join(readings[locator].Sorted(), ", ")); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadReadingsDump parses a file written by WriteReadingsDump.
func ReadReadingsDump(path string) (ReadingsMap, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	readings := make(ReadingsMap)
	for lineNum, line := range strings.Split(string(contents), "\n") {
		if line == "" {
			continue
		}
		locatorText, readingsText, found := strings.Cut(line, ": ")
		if !found {
			return nil, fmt.Errorf("%w: readings dump line %d has no separator", openmdict.ErrInvalidFormat, lineNum+1)
		}
		locator, err := strconv.ParseUint(locatorText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: readings dump line %d: %s", openmdict.ErrInvalidFormat, lineNum+1, err)
		}
		for _, reading := range strings.Split(readingsText, ", ") {
			if reading != "" {
				readings.add(locator, reading)
			}
		}
	}
	return readings, nil
}
