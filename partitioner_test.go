package cloudbatch

import (
	"fmt"
	"testing"

	"github.com/bmizerany/assert"
)

func resourcesOf(n int) []Resource {
	resources := make([]Resource, 0, n)
	for i := 0; i < n; i++ {
		resources = append(resources, Resource{URI: fmt.Sprintf("/data/file-%02d.csv", i), Exists: true})
	}
	return resources
}

func TestMultiResourcePartitioner_Partition(t *testing.T) {
	p := NewMultiResourcePartitioner()
	resources := resourcesOf(12)
	partitions, err := p.Partition(resources)
	assert.Equal(t, nil, err)
	assert.Equal(t, 12, len(partitions))

	sorted := SortPartitions(partitions)
	seen := map[string]bool{}
	for i, part := range sorted {
		assert.Equal(t, fmt.Sprintf("partition%d", i), part.Name)
		assert.Equal(t, resources[i].URI, part.Resource())
		assert.T(t, !seen[part.Name])
		seen[part.Name] = true
	}
	assert.Equal(t, "partition10", sorted[10].Name)

	again, _ := p.Partition(resources)
	for name, part := range partitions {
		assert.Equal(t, part.Resource(), again[name].Resource())
	}
}

func TestMultiResourcePartitioner_Empty(t *testing.T) {
	_, err := NewMultiResourcePartitioner().Partition(nil)
	assert.Equal(t, ErrCodePartition, err.Code())
}

func TestPartition_Immutable(t *testing.T) {
	partitions, _ := NewMultiResourcePartitioner().Partition(resourcesOf(1))
	part := partitions["partition0"]
	ctx := part.Context()
	ctx.Put(PartitionResourceKey, "/elsewhere.csv")
	assert.Equal(t, "/data/file-00.csv", part.Resource())
}

func TestMultiResourcePartitioner_Prefix(t *testing.T) {
	partitions, err := (&MultiResourcePartitioner{Prefix: "file"}).Partition(resourcesOf(2))
	assert.Equal(t, nil, err)
	uri, _ := partitions["file1"].Context().GetString(PartitionResourceKey)
	assert.Equal(t, "/data/file-01.csv", uri)

	partitions, _ = (&MultiResourcePartitioner{}).Partition(resourcesOf(1))
	assert.Equal(t, "/data/file-00.csv", partitions["partition0"].Resource())
}
