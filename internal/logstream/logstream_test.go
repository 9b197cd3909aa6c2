package logstream

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/config"
	"scotty/internal/output"
	"scotty/internal/ws"
)

type fakeSender struct {
	mu     sync.Mutex
	id     string
	user   string
	frames []ws.Envelope
}

func (f *fakeSender) ID() string     { return f.id }
func (f *fakeSender) UserID() string { return f.user }

func (f *fakeSender) Send(env ws.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
	return true
}

func (f *fakeSender) ofType(t ws.MessageType) []ws.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Envelope
	for _, env := range f.frames {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeAPI struct {
	reader io.ReadCloser
	err    error
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.reader, nil
}

type fakeRegistry struct {
	apps map[string]*apps.AppData
}

func (f *fakeRegistry) Get(name string) *apps.AppData { return f.apps[name] }

type fakeAuth struct{ deny bool }

func (f *fakeAuth) Check(userID, app string, perm authz.Permission) bool { return !f.deny }

func demoRegistry() *fakeRegistry {
	return &fakeRegistry{apps: map[string]*apps.AppData{
		"demo": {
			Name:   "demo",
			Status: apps.AppStatusRunning,
			Services: []apps.ContainerState{
				{Service: "web", ContainerID: "c-web", Status: apps.ContainerRunning},
				{Service: "worker", Status: apps.ContainerEmpty},
			},
		},
	}}
}

// muxFrames encodes lines the way the Docker daemon frames non-TTY logs.
func muxFrames(t *testing.T, stdout, stderr []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	outW := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	errW := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	for _, line := range stdout {
		_, err := outW.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	for _, line := range stderr {
		_, err := errW.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func fastConfig() config.StreamingConfig {
	return config.StreamingConfig{
		FlushInterval: config.Duration(5 * time.Millisecond),
		BatchSize:     50,
	}
}

func newService(api ContainerLogsAPI, auth Authorizer) *Service {
	return New(api, demoRegistry(), auth, fastConfig(), nil)
}

func collectedLines(t *testing.T, client *fakeSender) []output.Line {
	t.Helper()
	var lines []output.Line
	for _, env := range client.ofType(ws.TypeLogsStreamData) {
		var data ws.LogsStreamData
		require.NoError(t, env.Decode(&data))
		lines = append(lines, data.Lines...)
	}
	return lines
}

func TestStreamDeliversDemuxedLines(t *testing.T) {
	api := &fakeAPI{reader: io.NopCloser(bytes.NewReader(
		muxFrames(t, []string{"hello", "world"}, []string{"oops"})))}
	svc := newService(api, &fakeAuth{})
	client := &fakeSender{id: "client-1", user: "alice"}

	svc.Start(client, ws.StartLogStream{AppName: "demo", ServiceName: "web", Lines: 10})

	started := client.ofType(ws.TypeLogsStreamStarted)
	require.Len(t, started, 1)
	var meta ws.LogsStreamStarted
	require.NoError(t, started[0].Decode(&meta))
	assert.NotEmpty(t, meta.StreamID)
	assert.Equal(t, "demo", meta.AppName)

	require.Eventually(t, func() bool {
		return len(client.ofType(ws.TypeLogsStreamEnded)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	lines := collectedLines(t, client)
	require.Len(t, lines, 3)
	var contents []string
	for _, line := range lines {
		contents = append(contents, line.Content)
	}
	assert.ElementsMatch(t, []string{"hello", "world", "oops"}, contents)
	for _, line := range lines {
		if line.Content == "oops" {
			assert.Equal(t, output.Stderr, line.Stream)
		} else {
			assert.Equal(t, output.Stdout, line.Stream)
		}
	}

	var ended ws.LogsStreamEnded
	require.NoError(t, client.ofType(ws.TypeLogsStreamEnded)[0].Decode(&ended))
	assert.Equal(t, meta.StreamID, ended.StreamID)
	assert.Equal(t, "end of log stream", ended.Reason)
	assert.Zero(t, svc.ClientStreamCount("client-1"))
}

func TestLinesAreMonotoneInSequence(t *testing.T) {
	api := &fakeAPI{reader: io.NopCloser(bytes.NewReader(
		muxFrames(t, []string{"a", "b", "c", "d"}, nil)))}
	svc := newService(api, &fakeAuth{})
	client := &fakeSender{id: "client-1", user: "alice"}

	svc.Start(client, ws.StartLogStream{AppName: "demo", ServiceName: "web"})
	require.Eventually(t, func() bool {
		return len(client.ofType(ws.TypeLogsStreamEnded)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	lines := collectedLines(t, client)
	require.Len(t, lines, 4)
	for i := 1; i < len(lines); i++ {
		assert.Greater(t, lines[i].Sequence, lines[i-1].Sequence)
	}
}

func TestPermissionDenied(t *testing.T) {
	svc := newService(&fakeAPI{}, &fakeAuth{deny: true})
	client := &fakeSender{id: "client-1", user: "mallory"}

	svc.Start(client, ws.StartLogStream{AppName: "demo", ServiceName: "web"})

	require.Len(t, client.ofType(ws.TypeError), 1)
	assert.Empty(t, client.ofType(ws.TypeLogsStreamStarted))
	assert.Zero(t, svc.ClientStreamCount("client-1"))
}

func TestServiceWithoutContainerIsRejected(t *testing.T) {
	svc := newService(&fakeAPI{}, &fakeAuth{})
	client := &fakeSender{id: "client-1", user: "alice"}

	svc.Start(client, ws.StartLogStream{AppName: "demo", ServiceName: "worker"})
	require.Len(t, client.ofType(ws.TypeError), 1)

	svc.Start(client, ws.StartLogStream{AppName: "demo", ServiceName: "nope"})
	require.Len(t, client.ofType(ws.TypeError), 2)
}

func TestStopEmitsEndedForOwnerOnly(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	svc := newService(&fakeAPI{reader: pr}, &fakeAuth{})
	owner := &fakeSender{id: "client-1", user: "alice"}
	other := &fakeSender{id: "client-2", user: "bob"}

	svc.Start(owner, ws.StartLogStream{AppName: "demo", ServiceName: "web", Follow: true})
	var meta ws.LogsStreamStarted
	require.NoError(t, owner.ofType(ws.TypeLogsStreamStarted)[0].Decode(&meta))

	go pw.Write(muxFrames(t, []string{"live line"}, nil))
	require.Eventually(t, func() bool {
		return len(collectedLines(t, owner)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	svc.Stop(other, meta.StreamID)
	require.Len(t, other.ofType(ws.TypeError), 1)
	assert.Equal(t, 1, svc.ClientStreamCount("client-1"))

	svc.Stop(owner, meta.StreamID)
	require.Eventually(t, func() bool {
		return len(owner.ofType(ws.TypeLogsStreamEnded)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var ended ws.LogsStreamEnded
	require.NoError(t, owner.ofType(ws.TypeLogsStreamEnded)[0].Decode(&ended))
	assert.Equal(t, "stopped", ended.Reason)
	assert.Zero(t, svc.ClientStreamCount("client-1"))
}

func TestStopClientStopsEveryOwnedStream(t *testing.T) {
	pr1, pw1 := io.Pipe()
	t.Cleanup(func() { pw1.Close() })
	svc := newService(&fakeAPI{reader: pr1}, &fakeAuth{})
	client := &fakeSender{id: "client-1", user: "alice"}

	svc.Start(client, ws.StartLogStream{AppName: "demo", ServiceName: "web", Follow: true})
	svc.Start(client, ws.StartLogStream{AppName: "demo", ServiceName: "web", Follow: true})
	require.Equal(t, 2, svc.ClientStreamCount("client-1"))

	svc.StopClient("client-1")
	require.Eventually(t, func() bool {
		return len(client.ofType(ws.TypeLogsStreamEnded)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	for _, env := range client.ofType(ws.TypeLogsStreamEnded) {
		var ended ws.LogsStreamEnded
		require.NoError(t, env.Decode(&ended))
		assert.Equal(t, "client disconnected", ended.Reason)
	}
	assert.Zero(t, svc.ClientStreamCount("client-1"))
}
