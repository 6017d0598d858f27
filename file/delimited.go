package file

import (
	"bufio"
	"encoding/csv"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

//ErrFieldCount a record had an unexpected number of fields
var ErrFieldCount = csv.ErrFieldCount

//DelimitedReader reads records of a fixed number of fields from a delimited text stream
type DelimitedReader struct {
	reader  *csv.Reader
	line    int
	columns int
}

//NewDelimitedReader reader over r splitting fields by delimiter; columns <= 0 disables the arity check
func NewDelimitedReader(r io.Reader, delimiter rune, columns int) *DelimitedReader {
	cReader := csv.NewReader(bufio.NewReader(r))
	cReader.Comma = delimiter
	cReader.TrimLeadingSpace = true
	cReader.ReuseRecord = false
	if columns > 0 {
		cReader.FieldsPerRecord = columns
	} else {
		cReader.FieldsPerRecord = -1
	}
	return &DelimitedReader{reader: cReader, columns: columns}
}

//Read next record, io.EOF at end of input.
//A record of the wrong arity is returned along with an error wrapping ErrFieldCount.
func (r *DelimitedReader) Read() ([]string, error) {
	record, err := r.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	r.line++
	if err != nil {
		if pe, ok := err.(*csv.ParseError); ok && pe.Err == csv.ErrFieldCount {
			return record, errors.Wrapf(ErrFieldCount, "line %d: expected %d fields, got %d", pe.Line, r.columns, len(record))
		}
		return nil, err
	}
	return record, nil
}

//Line number of records read so far
func (r *DelimitedReader) Line() int {
	return r.line
}

type fieldMeta struct {
	order int
	index []int
}

//Unmarshal assigns record fields to the struct pointed by out following `order:"n"` tags
func Unmarshal(record []string, out interface{}) error {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return errors.Errorf("unmarshal target must be a pointer to struct, got %T", out)
	}
	fields, err := orderedFields(v.Elem().Type())
	if err != nil {
		return err
	}
	elem := v.Elem()
	for _, f := range fields {
		if f.order >= len(record) {
			continue
		}
		if err := setValue(elem.FieldByIndex(f.index), record[f.order]); err != nil {
			return errors.Wrapf(err, "field %d", f.order)
		}
	}
	return nil
}

func orderedFields(tp reflect.Type) ([]fieldMeta, error) {
	fields := make([]fieldMeta, 0, tp.NumField())
	seen := map[int]bool{}
	for i := 0; i < tp.NumField(); i++ {
		tf := tp.Field(i)
		ord := tf.Tag.Get("order")
		if ord == "" || tf.PkgPath != "" {
			continue
		}
		idx, err := strconv.Atoi(ord)
		if err != nil || idx < 0 {
			return nil, errors.Errorf("invalid order value in tag of %v", tf.Name)
		}
		if seen[idx] {
			return nil, errors.Errorf("duplicate order:%v", idx)
		}
		seen[idx] = true
		fields = append(fields, fieldMeta{order: idx, index: tf.Index})
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].order < fields[j].order
	})
	return fields, nil
}

func setValue(field reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if raw == "" {
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if raw == "" {
			return nil
		}
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		if raw == "" {
			return nil
		}
		n, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(n)
	case reflect.Bool:
		if raw == "" {
			return nil
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return errors.Errorf("unsupported field kind:%v", field.Kind())
	}
	return nil
}
