// Package blob provides small key/value object stores used to keep large
// task bodies out of the task tables.
//
// Three implementations share the Store interface:
//
//	S3     - any S3-compatible object storage (AWS, MinIO, R2)
//	Redis  - a Redis keyspace with an optional TTL
//	Memory - an in-process map, for tests and single-node setups
//
// Example:
//
//	store, err := blob.NewS3(blob.S3Config{
//	    Bucket:    "task-bodies",
//	    AccessKey: os.Getenv("S3_ACCESS_KEY"),
//	    SecretKey: os.Getenv("S3_SECRET_KEY"),
//	})
//	if err != nil {
//	    return err
//	}
//	err = store.Put(ctx, "bodies/42", payload)
package blob
