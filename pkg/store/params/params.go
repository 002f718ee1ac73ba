package params

// Store holds the driver selection and the per-driver connection settings.
// Exactly one of the driver sections is expected to be set, matching Type.
type Store struct {
	Type  string
	Local *Local
	Redis *Redis
}

type Local struct {
	// Path - local directory path to store the DB files
	Path string
	// SyncWrites - sync ensures data written to disk on each write instead of mem cache
	SyncWrites bool
	// PrefetchSize - number of elements to prefetch while iterating
	PrefetchSize int
	// EnableLogging - enable store and badger (trace only) logging
	EnableLogging bool
}

type Redis struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	PoolSize  int
}
