package manager

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// managed is one registry entry: a spawned process and its exit bookkeeping.
type managed struct {
	projectID string
	script    string
	pid       int
	startedAt time.Time
	cmd       *exec.Cmd

	stdout  io.ReadCloser
	stderr  io.ReadCloser
	readers sync.WaitGroup

	stopRequested atomic.Bool
	done          chan struct{}
	doneOnce      sync.Once
}

// startManaged starts cmd with its output on OS pipes. The child owns the
// write ends, so Wait returns on exit even if grandchildren keep the pipes
// open; readers drain independently.
func startManaged(projectID, script string, cmd *exec.Cmd) (*managed, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, err
	}
	_ = outW.Close()
	_ = errW.Close()

	mp := &managed{
		projectID: projectID,
		script:    script,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	mp.stdout = mp.track(outR)
	mp.stderr = mp.track(errR)
	return mp, nil
}

func (mp *managed) snapshot() Snapshot {
	return Snapshot{ProjectID: mp.projectID, PID: mp.pid, Script: mp.script, StartedAt: mp.startedAt}
}

func (mp *managed) finish() {
	mp.doneOnce.Do(func() { close(mp.done) })
}

// drained is closed once both output streams hit EOF.
func (mp *managed) drained() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		mp.readers.Wait()
		close(ch)
	}()
	return ch
}

// track wraps r so the reader count drops when it reaches EOF and closes.
func (mp *managed) track(r io.ReadCloser) io.ReadCloser {
	mp.readers.Add(1)
	return &trackedReader{r: r, done: mp.readers.Done}
}

type trackedReader struct {
	r    io.ReadCloser
	once sync.Once
	done func()
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		t.once.Do(func() {
			_ = t.r.Close()
			t.done()
		})
	}
	return n, err
}

func (t *trackedReader) Close() error {
	var err error
	t.once.Do(func() {
		err = t.r.Close()
		t.done()
	})
	return err
}
