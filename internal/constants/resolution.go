package constants

import "time"

// Search radii are fixed per source and are not shared configuration.
const (
	// LocalStoreRadiusMeters bounds the indexed geometry store query.
	LocalStoreRadiusMeters = 100.0

	// StreamMaxDistanceMeters bounds the bundled dataset scan.
	StreamMaxDistanceMeters = 50.0

	// RemoteRadiusMeters is the around: radius sent to the remote query service.
	RemoteRadiusMeters = 20.0
)

// Mode selects which source a coordinator dispatches to
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeLocalStream Mode = "local_stream"
	ModeRemote      Mode = "remote"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeLocalStream, ModeRemote:
		return true
	}
	return false
}

const (
	// DefaultResolutionTimeout caps a single resolution when none is configured.
	DefaultResolutionTimeout = 30 * time.Second

	// DefaultResolutionWorkers sizes the shared resolution worker pool.
	DefaultResolutionWorkers = 4

	// DefaultProvisionTimeout caps one download of the packaged store.
	DefaultProvisionTimeout = 10 * time.Minute

	// DefaultRemoteEndpoint is the public Overpass interpreter.
	DefaultRemoteEndpoint = "https://overpass-api.de/api/interpreter"
)
