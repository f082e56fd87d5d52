package manager

import "errors"

var (
	// ErrNotFound reports an unknown project or group id.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning reports a start on a project that has a managed process.
	ErrAlreadyRunning = errors.New("project is already running")
	// ErrNotRunning reports a stop on a project without a managed process.
	ErrNotRunning = errors.New("project is not running")
	// ErrNoScript reports a script name the project does not declare.
	ErrNoScript = errors.New("script not found")
	// ErrSpawn reports that the OS refused to create the process.
	ErrSpawn = errors.New("failed to start process")
	// ErrShuttingDown is returned by Start once Close has been called.
	ErrShuttingDown = errors.New("process manager shutting down")
)
