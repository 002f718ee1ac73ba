package params

// Blob holds the adapter selection and the per-adapter settings.
type Blob struct {
	Type  string
	Local *Local
	S3    *S3
}

type Local struct {
	// Path - local directory under which objects are stored
	Path string
}

type S3 struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	// KeyPrefix - optional prefix prepended to all object keys in the bucket
	KeyPrefix string
}
