// Package sample is the demonstrated application: comma separated Foo records
// enriched with a message and inserted into the foo table.
package sample

import (
	"fmt"
	"strings"

	"github.com/chararch/cloudbatch"
	"github.com/pkg/errors"
)

// Foo one line of input
type Foo struct {
	First   string `order:"0"`
	Second  string `order:"1"`
	Third   string `order:"2"`
	Message string
}

// Columns number of fields of an input line
const Columns = 3

// InsertFoo statement writing an enriched Foo
const InsertFoo = "INSERT INTO foo (first, second, third, message) VALUES (?, ?, ?, ?)"

// EnrichmentProcessor adds the derived message to each Foo
type EnrichmentProcessor struct {
	Prefix string
}

func (p *EnrichmentProcessor) Process(item interface{}, chunkCtx *cloudbatch.ChunkContext) (interface{}, cloudbatch.BatchError) {
	foo, ok := item.(*Foo)
	if !ok {
		return nil, cloudbatch.NewBatchError(cloudbatch.ErrCodeProcessing, "unexpected item type:%T", item)
	}
	enriched := *foo
	enriched.Message = Enrich(foo, p.Prefix)
	return &enriched, nil
}

// Enrich the message of foo, only its own fields are used
func Enrich(foo *Foo, prefix string) string {
	if prefix == "" {
		prefix = "processed"
	}
	return fmt.Sprintf("%s: %s", prefix, strings.Join([]string{foo.First, foo.Second, foo.Third}, "|"))
}

// FooArgs statement arguments of InsertFoo
func FooArgs(item interface{}) ([]interface{}, error) {
	foo, ok := item.(*Foo)
	if !ok {
		return nil, errors.Errorf("unexpected item type:%T", item)
	}
	return []interface{}{foo.First, foo.Second, foo.Third, foo.Message}, nil
}
