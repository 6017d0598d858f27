package cloudbatch

import "context"

//JobListener job listener
type JobListener interface {
	//BeforeJob execute before the master step starts, job context is still writable
	BeforeJob(ctx context.Context, execution *JobExecution) BatchError
	//AfterJob execute after job end either normally or abnormally
	AfterJob(ctx context.Context, execution *JobExecution) BatchError
}

//StepListener step listener
type StepListener interface {
	//BeforeStep execute before step start
	BeforeStep(execution *StepExecution) BatchError
	//AfterStep execute after step end either normally or abnormally
	AfterStep(execution *StepExecution) BatchError
}

//ChunkListener chunk listener
type ChunkListener interface {
	//BeforeChunk execute before start of a chunk
	BeforeChunk(context *ChunkContext) BatchError
	//AfterChunk execute after a chunk is committed
	AfterChunk(context *ChunkContext) BatchError
	//OnError execute when an error occured during a chunk
	OnError(context *ChunkContext, err BatchError)
}

//PartitionListener partition listener
type PartitionListener interface {
	//BeforePartition execute before resources are partitioned in the master step
	BeforePartition(execution *StepExecution, resources []Resource) BatchError
	//AfterPartition execute after partitions are built, before any worker is launched
	AfterPartition(execution *StepExecution, partitions []*Partition) BatchError
	//OnError execute when partitioning fails
	OnError(execution *StepExecution, err BatchError)
}
