package cloudbatch

import (
	"context"
	"fmt"

	"github.com/chararch/cloudbatch/internal/metrics"
	"github.com/pkg/errors"
)

type jobBuilder struct {
	name               string
	resourcePath       string
	enumerator         ResourceEnumerator
	partitioner        Partitioner
	handler            PartitionHandler
	repository         JobRepository
	jobListeners       []JobListener
	partitionListeners []PartitionListener
	metrics            *metrics.Collector
}

//NewJob new instance of job builder
func NewJob(name string) *jobBuilder {
	if name == "" {
		panic("job name must not be empty")
	}
	return &jobBuilder{
		name:        name,
		partitioner: NewMultiResourcePartitioner(),
	}
}

//ResourcePath pattern of the job's inputs, may hold {param} placeholders
func (builder *jobBuilder) ResourcePath(pattern string) *jobBuilder {
	builder.resourcePath = pattern
	return builder
}

func (builder *jobBuilder) Enumerator(enumerator ResourceEnumerator) *jobBuilder {
	builder.enumerator = enumerator
	return builder
}

func (builder *jobBuilder) Partitioner(partitioner Partitioner) *jobBuilder {
	builder.partitioner = partitioner
	return builder
}

func (builder *jobBuilder) Handler(handler PartitionHandler) *jobBuilder {
	builder.handler = handler
	return builder
}

func (builder *jobBuilder) Repository(repository JobRepository) *jobBuilder {
	builder.repository = repository
	return builder
}

func (builder *jobBuilder) Metrics(collector *metrics.Collector) *jobBuilder {
	builder.metrics = collector
	return builder
}

func (builder *jobBuilder) Listener(listener ...interface{}) *jobBuilder {
	for _, l := range listener {
		valid := false
		if ll, ok := l.(JobListener); ok {
			builder.jobListeners = append(builder.jobListeners, ll)
			valid = true
		}
		if ll, ok := l.(PartitionListener); ok {
			builder.partitionListeners = append(builder.partitionListeners, ll)
			valid = true
		}
		if !valid {
			panic(fmt.Sprintf("not supported listener:%+v for job:%v", l, builder.name))
		}
	}
	return builder
}

func (builder *jobBuilder) Build() (*JobController, error) {
	switch {
	case builder.resourcePath == "":
		return nil, errors.Errorf("job:%v has no resource path", builder.name)
	case builder.enumerator == nil:
		return nil, errors.Errorf("job:%v has no resource enumerator", builder.name)
	case builder.partitioner == nil:
		return nil, errors.Errorf("job:%v has no partitioner", builder.name)
	case builder.handler == nil:
		return nil, errors.Errorf("job:%v has no partition handler", builder.name)
	case builder.repository == nil:
		return nil, errors.Errorf("job:%v has no job repository", builder.name)
	}
	return &JobController{
		name:               builder.name,
		resourcePath:       builder.resourcePath,
		enumerator:         builder.enumerator,
		partitioner:        builder.partitioner,
		handler:            builder.handler,
		repository:         builder.repository,
		listeners:          builder.jobListeners,
		partitionListeners: builder.partitionListeners,
		metrics:            builder.metrics,
		running:            make(map[int64]context.CancelFunc),
	}, nil
}
