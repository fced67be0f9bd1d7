package common

// FileNo identifies a file (SSTable or WAL) with a dense positive integer.
type FileNo uint64

// BlockNo identifies a block within an SSTable.
type BlockNo int
