package cloudbatch

import (
	"fmt"

	"github.com/chararch/cloudbatch/internal/metrics"
)

type stepBuilder struct {
	name            string
	reader          Reader
	processor       Processor
	writer          Writer
	chunkSize       uint
	txManager       TransactionManager
	repository      JobRepository
	stager          ResourceStager
	keepStagedFiles bool
	metrics         *metrics.Collector
	stepListeners   []StepListener
	chunkListeners  []ChunkListener
}

//NewStep initialize a chunk step builder, handlers may be any mix of Reader, Processor, Writer and listeners
func NewStep(name string, handler ...interface{}) *stepBuilder {
	if name == "" {
		panic("step name must not be empty")
	}
	builder := &stepBuilder{
		name:           name,
		chunkSize:      DefaultChunkSize,
		stepListeners:  make([]StepListener, 0),
		chunkListeners: make([]ChunkListener, 0),
	}
	for _, h := range handler {
		builder.Handler(h)
	}
	return builder
}

func (builder *stepBuilder) Handler(handler interface{}) *stepBuilder {
	valid := false
	if val, ok := handler.(Reader); ok {
		builder.Reader(val)
		valid = true
	}
	if val, ok := handler.(Processor); ok {
		builder.Processor(val)
		valid = true
	}
	if val, ok := handler.(Writer); ok {
		builder.Writer(val)
		valid = true
	}
	if val, ok := handler.(StepListener); ok {
		builder.stepListeners = append(builder.stepListeners, val)
		valid = true
	}
	if val, ok := handler.(ChunkListener); ok {
		builder.chunkListeners = append(builder.chunkListeners, val)
		valid = true
	}
	if !valid {
		panic(fmt.Sprintf("invalid handler type:%T for step:%v", handler, builder.name))
	}
	return builder
}

func (builder *stepBuilder) Reader(reader Reader) *stepBuilder {
	builder.reader = reader
	return builder
}

func (builder *stepBuilder) Processor(processor Processor) *stepBuilder {
	builder.processor = processor
	return builder
}

func (builder *stepBuilder) Writer(writer Writer) *stepBuilder {
	builder.writer = writer
	return builder
}

func (builder *stepBuilder) ChunkSize(chunkSize uint) *stepBuilder {
	builder.chunkSize = chunkSize
	return builder
}

func (builder *stepBuilder) TransactionManager(txManager TransactionManager) *stepBuilder {
	builder.txManager = txManager
	return builder
}

//Repository where progress is saved and stop requests are read
func (builder *stepBuilder) Repository(repository JobRepository) *stepBuilder {
	builder.repository = repository
	return builder
}

//Stager copies the partition's resource locally before reading
func (builder *stepBuilder) Stager(stager ResourceStager) *stepBuilder {
	builder.stager = stager
	return builder
}

func (builder *stepBuilder) KeepStagedFiles(keep bool) *stepBuilder {
	builder.keepStagedFiles = keep
	return builder
}

func (builder *stepBuilder) Metrics(collector *metrics.Collector) *stepBuilder {
	builder.metrics = collector
	return builder
}

func (builder *stepBuilder) Listener(listener ...interface{}) *stepBuilder {
	for _, l := range listener {
		switch ll := l.(type) {
		case StepListener:
			builder.stepListeners = append(builder.stepListeners, ll)
		case ChunkListener:
			builder.chunkListeners = append(builder.chunkListeners, ll)
		default:
			panic(fmt.Sprintf("not supported listener:%+v for step:%v", ll, builder.name))
		}
	}
	return builder
}

func (builder *stepBuilder) Build() Step {
	if builder.reader == nil {
		panic(fmt.Sprintf("step:%v has no reader", builder.name))
	}
	if builder.writer != nil && builder.txManager == nil {
		panic(fmt.Sprintf("step:%v has a writer but no transaction manager", builder.name))
	}
	if builder.chunkSize == 0 {
		builder.chunkSize = DefaultChunkSize
	}
	return &chunkStep{
		name:            builder.name,
		stager:          builder.stager,
		reader:          builder.reader,
		processor:       builder.processor,
		writer:          builder.writer,
		chunkSize:       builder.chunkSize,
		txManager:       builder.txManager,
		repository:      builder.repository,
		keepStagedFiles: builder.keepStagedFiles,
		listeners:       builder.stepListeners,
		chunkListeners:  builder.chunkListeners,
		metrics:         builder.metrics,
	}
}
