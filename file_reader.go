package cloudbatch

import (
	"io"
	"os"
	"reflect"
	"sync"

	"github.com/chararch/cloudbatch/file"
	"github.com/pkg/errors"
)

//FlatFileReader reads the staged local file of a step execution as delimited records.
//Records are decoded into a new value of ItemPrototype's type through `order` tags,
//or returned as []string when ItemPrototype is nil.
type FlatFileReader struct {
	Delimiter rune
	Columns   int
	//ItemPrototype struct or pointer to struct describing a record
	ItemPrototype interface{}
	//SkipLimit number of malformed records skipped before the step fails, 0 skips none
	SkipLimit int64

	mu      sync.Mutex
	handles map[*StepExecution]*flatFileHandle
}

type flatFileHandle struct {
	fd       *os.File
	reader   *file.DelimitedReader
	fileName string
}

//NewFlatFileReader reader of comma separated records with columns fields
func NewFlatFileReader(columns int, itemPrototype interface{}) *FlatFileReader {
	return &FlatFileReader{Delimiter: ',', Columns: columns, ItemPrototype: itemPrototype}
}

func (r *FlatFileReader) Open(execution *StepExecution) BatchError {
	fileName, be := execution.stepString(LocalFileKey)
	if be != nil {
		return NewBatchError(ErrCodeStaging, "no staged file for step:%v", execution.StepName, be)
	}
	fd, err := os.Open(fileName)
	if err != nil {
		return NewBatchError(ErrCodeStaging, "open staged file:%v err", fileName, err)
	}
	delimiter := r.Delimiter
	if delimiter == 0 {
		delimiter = ','
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles == nil {
		r.handles = make(map[*StepExecution]*flatFileHandle)
	}
	r.handles[execution] = &flatFileHandle{
		fd:       fd,
		reader:   file.NewDelimitedReader(fd, delimiter, r.Columns),
		fileName: fileName,
	}
	return nil
}

func (r *FlatFileReader) handle(execution *StepExecution) *flatFileHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[execution]
}

func (r *FlatFileReader) Read(chunkCtx *ChunkContext) (interface{}, BatchError) {
	execution := chunkCtx.StepExecution
	h := r.handle(execution)
	if h == nil {
		return nil, NewBatchError(ErrCodeIllegalState, "reader of step:%v is not open", execution.StepName)
	}
	for {
		record, err := h.reader.Read()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			if errors.Is(err, file.ErrFieldCount) && execution.SkipCount < r.SkipLimit {
				execution.SkipCount++
				logger.Warn(chunkCtx.Context, "skip malformed record, stepName:%v, file:%v, err:%v", execution.StepName, h.fileName, err)
				continue
			}
			return nil, NewBatchError(ErrCodeProcessing, "read record from file:%v err", h.fileName, err)
		}
		if r.ItemPrototype == nil {
			return record, nil
		}
		item, err := r.decode(record)
		if err != nil {
			return nil, NewBatchError(ErrCodeProcessing, "decode record at line:%v of file:%v err", h.reader.Line(), h.fileName, err)
		}
		return item, nil
	}
}

func (r *FlatFileReader) decode(record []string) (interface{}, error) {
	tp := reflect.TypeOf(r.ItemPrototype)
	if tp.Kind() == reflect.Ptr {
		tp = tp.Elem()
	}
	item := reflect.New(tp)
	if err := file.Unmarshal(record, item.Interface()); err != nil {
		return nil, err
	}
	return item.Interface(), nil
}

func (r *FlatFileReader) Close(execution *StepExecution) BatchError {
	r.mu.Lock()
	h := r.handles[execution]
	delete(r.handles, execution)
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.fd.Close(); err != nil {
		return NewBatchError(ErrCodeGeneral, "close file:%v err", h.fileName, err)
	}
	return nil
}
