package cloudbatch

import (
	"fmt"
	"sort"
)

const (
	//PartitionResourceKey context key holding the URI of the partition's resource
	PartitionResourceKey = "fileName"
	//LocalFileKey step context key holding the staged local copy of the resource
	LocalFileKey = "localFile"
	//JobResourcesKey job context key holding all enumerated resource URIs
	JobResourcesKey = "resources"
	//JobLocalFilesKey job context key holding pre-staged local paths
	JobLocalFilesKey = "localFiles"
	//JobResourcePathKey job context key holding the resolved resource pattern
	JobResourcePathKey = "resourcePath"
)

//Partition an immutable unit of work handed to exactly one worker
type Partition struct {
	Name    string
	Index   int
	context *BatchContext
}

//NewPartition create a partition owning a copy of ctx
func NewPartition(name string, index int, ctx *BatchContext) *Partition {
	return &Partition{Name: name, Index: index, context: ctx.DeepCopy()}
}

//Context a copy of the partition's context
func (p *Partition) Context() *BatchContext {
	return p.context.DeepCopy()
}

//Resource URI of the resource the partition processes
func (p *Partition) Resource() string {
	uri, _ := p.context.GetString(PartitionResourceKey, "")
	return uri
}

//Partitioner splits resources into partitions keyed by partition name
type Partitioner interface {
	Partition(resources []Resource) (map[string]*Partition, BatchError)
}

//MultiResourcePartitioner one partition per resource, named partition0..partitionN-1 in enumeration order.
//The resource URI is stored under PartitionResourceKey, where workers look for it.
type MultiResourcePartitioner struct {
	Prefix string
}

//NewMultiResourcePartitioner partitioner using the default name prefix
func NewMultiResourcePartitioner() *MultiResourcePartitioner {
	return &MultiResourcePartitioner{Prefix: "partition"}
}

func (p *MultiResourcePartitioner) Partition(resources []Resource) (map[string]*Partition, BatchError) {
	if len(resources) == 0 {
		return nil, NewBatchError(ErrCodePartition, "no resources to partition")
	}
	names := p.partitionNames(len(resources))
	partitions := make(map[string]*Partition, len(resources))
	for i, resource := range resources {
		ctx := NewBatchContext()
		ctx.Put(PartitionResourceKey, resource.URI)
		partitions[names[i]] = NewPartition(names[i], i, ctx)
	}
	return partitions, nil
}

func (p *MultiResourcePartitioner) partitionNames(partitions int) []string {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "partition"
	}
	names := make([]string, 0, partitions)
	for i := 0; i < partitions; i++ {
		names = append(names, fmt.Sprintf("%s%d", prefix, i))
	}
	return names
}

//SortPartitions partitions in index order, partition2 before partition10
func SortPartitions(partitions map[string]*Partition) []*Partition {
	result := make([]*Partition, 0, len(partitions))
	for _, p := range partitions {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Index != result[j].Index {
			return result[i].Index < result[j].Index
		}
		return result[i].Name < result[j].Name
	})
	return result
}
