package cloudbatch

//Reader reads items one by one, a nil item means end of input
type Reader interface {
	Read(chunkCtx *ChunkContext) (interface{}, BatchError)
}

//Processor transforms one item, returning nil filters the item out
type Processor interface {
	Process(item interface{}, chunkCtx *ChunkContext) (interface{}, BatchError)
}

//Writer writes all items of a chunk inside chunkCtx.Tx
type Writer interface {
	Write(items []interface{}, chunkCtx *ChunkContext) BatchError
}

//OpenCloser readers and writers holding resources for the lifetime of a step execution
type OpenCloser interface {
	Open(execution *StepExecution) BatchError
	Close(execution *StepExecution) BatchError
}
