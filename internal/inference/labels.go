package inference

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

// Labels maps class indices to display names. Indices without a name fall
// back to class_<i>.
type Labels struct {
	names []string
}

// DefaultLabels returns n generated names.
func DefaultLabels(n int) *Labels {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("class_%d", i)
	}
	return &Labels{names: names}
}

// LoadLabels reads a YAMNet class_map.csv (index,mid,display_name) with an
// optional header row. Missing rows keep their generated name.
func LoadLabels(path string, n int) (*Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentInference).
			Category(errors.CategoryLabelLoad).
			FileContext(path).
			Build()
	}
	defer func() { _ = f.Close() }()

	labels, err := parseClassMap(f, n)
	if err != nil {
		return nil, errors.New(err).
			Component(componentInference).
			Category(errors.CategoryLabelLoad).
			FileContext(path).
			Build()
	}
	return labels, nil
}

func parseClassMap(r io.Reader, n int) (*Labels, error) {
	labels := DefaultLabels(n)
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return labels, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("line %d: want index,mid,display_name", line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: bad index %q", line, rec[0])
		}
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("line %d: index %d outside 0..%d", line, idx, n-1)
		}
		if name := strings.TrimSpace(rec[2]); name != "" {
			labels.names[idx] = name
		}
	}
}

// Name returns the label of class i.
func (l *Labels) Name(i int) string {
	if l == nil || i < 0 || i >= len(l.names) {
		return fmt.Sprintf("class_%d", i)
	}
	return l.names[i]
}

// Len returns the number of classes.
func (l *Labels) Len() int {
	if l == nil {
		return 0
	}
	return len(l.names)
}
