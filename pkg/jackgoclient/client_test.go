package jackgoclient_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jackgo/jackgo/internal/driver/dummy"
	"github.com/jackgo/jackgo/internal/engine"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/porttype"
	"github.com/jackgo/jackgo/pkg/jackgoclient"
)

// startTestServer builds a real Engine over a dummy driver in a fresh temp
// directory, runs it in the background for the duration of the test, and
// returns the tmp root a client needs to locate its sockets.
func startTestServer(t *testing.T, serverName string) string {
	t.Helper()
	tmpRoot := t.TempDir()

	drv := dummy.New(dummy.Config{SampleRate: 48000, BufferSize: 64, CaptureChans: 1, PlaybackChans: 1})
	eng, err := engine.New(engine.Config{
		ServerName: serverName,
		TmpRoot:    tmpRoot,
		UID:        0,
		BufferSize: 64,
		SampleRate: 48000,
		// A real external client's FIFO round trip over a unix socket
		// and goroutine scheduling can't reliably beat the dummy
		// driver's ~1.3ms period; widen the per-cycle wait so the test
		// exercises the process loop without tripping xrun recovery.
		ProcessTimeoutMsec: 50,
	}, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, eng.AttachDriver(drv))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	return tmpRoot
}

// connectRetrying retries Connect briefly since the server's accept loop
// binds its sockets asynchronously from startTestServer's return.
func connectRetrying(t *testing.T, serverName, clientName, tmpRoot string) *jackgoclient.Client {
	t.Helper()
	opts := []jackgoclient.Option{
		jackgoclient.WithTmpRoot(tmpRoot),
		jackgoclient.WithUID(0),
		jackgoclient.WithLogger(logging.Nop()),
		jackgoclient.WithDialTimeout(2 * time.Second),
	}

	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		c, err := jackgoclient.Connect(serverName, clientName, opts...)
		if err == nil {
			return c
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, lastErr)
	return nil
}

func TestConnectRegisterAndActivate(t *testing.T) {
	serverName := fmt.Sprintf("jackgo-test-%d", time.Now().UnixNano())
	tmpRoot := startTestServer(t, serverName)
	c := connectRetrying(t, serverName, "tester", tmpRoot)
	defer c.Close()

	require.Equal(t, "tester", c.Name())
	require.Equal(t, 64, c.BufferSize())
	require.Equal(t, 48000, c.SampleRate())

	out, err := c.RegisterPort("out_1", jackgoclient.DirectionOutput, jackgoclient.PortTypeAudio)
	require.NoError(t, err)
	require.NotZero(t, out.ID())

	in, err := c.RegisterPort("in_1", jackgoclient.DirectionInput, jackgoclient.PortTypeAudio)
	require.NoError(t, err)
	require.NotZero(t, in.ID())

	// With zero connections, an input port resolves to the shared silence
	// buffer: every sample reads back as zero.
	samples := porttype.Float32Buffer(c.PortBuffer(in), c.BufferSize())
	for _, s := range samples {
		require.Equal(t, float32(0), s)
	}

	require.NoError(t, c.ConnectPorts(out.FullName(), in.FullName()))

	var cycles int64
	c.SetProcessCallback(func(nframes int) error {
		atomic.AddInt64(&cycles, 1)
		outSamples := porttype.Float32Buffer(c.PortBuffer(out), nframes)
		for i := range outSamples {
			outSamples[i] = 0.5
		}
		return nil
	})
	require.NoError(t, c.Activate())

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cycles) > 2
	}, 2*time.Second, 10*time.Millisecond, "process callback never ran")

	require.Eventually(t, func() bool {
		samples := porttype.Float32Buffer(c.PortBuffer(in), c.BufferSize())
		for _, s := range samples {
			if s != 0.5 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "connected input never observed output's written samples")

	require.NoError(t, c.DisconnectPorts(out.FullName(), in.FullName()))
	require.NoError(t, c.UnregisterPort(out))
	require.NoError(t, c.UnregisterPort(in))
	require.NoError(t, c.Deactivate())
}

func TestFanInMixesTwoSources(t *testing.T) {
	serverName := fmt.Sprintf("jackgo-test-%d", time.Now().UnixNano())
	tmpRoot := startTestServer(t, serverName)
	c := connectRetrying(t, serverName, "mixer", tmpRoot)
	defer c.Close()

	src1, err := c.RegisterPort("src1", jackgoclient.DirectionOutput, jackgoclient.PortTypeAudio)
	require.NoError(t, err)
	src2, err := c.RegisterPort("src2", jackgoclient.DirectionOutput, jackgoclient.PortTypeAudio)
	require.NoError(t, err)
	sink, err := c.RegisterPort("sink", jackgoclient.DirectionInput, jackgoclient.PortTypeAudio)
	require.NoError(t, err)

	require.NoError(t, c.ConnectPorts(src1.FullName(), sink.FullName()))
	require.NoError(t, c.ConnectPorts(src2.FullName(), sink.FullName()))

	c.SetProcessCallback(func(nframes int) error {
		s1 := porttype.Float32Buffer(c.PortBuffer(src1), nframes)
		s2 := porttype.Float32Buffer(c.PortBuffer(src2), nframes)
		for i := range s1 {
			s1[i] = 0.25
			s2[i] = 0.75
		}
		return nil
	})
	require.NoError(t, c.Activate())

	require.Eventually(t, func() bool {
		mixed := porttype.Float32Buffer(c.PortBuffer(sink), c.BufferSize())
		for _, s := range mixed {
			if s < 0.99 || s > 1.01 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "fan-in sink never observed the summed mixdown")
}
