package nbd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// client speaks just enough of the protocol to drive a session
type client struct {
	t    *testing.T
	conn net.Conn
}

func (c *client) read(n int) []byte {
	c.t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(c.conn, buf)
	require.NoError(c.t, err)
	return buf
}

func (c *client) write(b []byte) {
	c.t.Helper()
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *client) handshake() {
	c.t.Helper()
	greeting := c.read(18)
	require.Equal(c.t, nbdMagic, binary.BigEndian.Uint64(greeting[0:8]))
	require.Equal(c.t, nbdOptionMagic, binary.BigEndian.Uint64(greeting[8:16]))

	flags := make([]byte, 4)
	binary.BigEndian.PutUint32(flags, nbdFlagCNoZeroes)
	c.write(flags)
}

func (c *client) option(opt uint32, data []byte) {
	c.t.Helper()
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint64(hdr[0:8], nbdOptionMagic)
	binary.BigEndian.PutUint32(hdr[8:12], opt)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(data)))
	c.write(append(hdr, data...))
}

// optionReply returns the reply type and payload of one option reply
func (c *client) optionReply(opt uint32) (uint32, []byte) {
	c.t.Helper()
	hdr := c.read(20)
	require.Equal(c.t, nbdReplyMagic, binary.BigEndian.Uint64(hdr[0:8]))
	require.Equal(c.t, opt, binary.BigEndian.Uint32(hdr[8:12]))
	n := binary.BigEndian.Uint32(hdr[16:20])
	var data []byte
	if n > 0 {
		data = c.read(int(n))
	}
	return binary.BigEndian.Uint32(hdr[12:16]), data
}

func goData(name string) []byte {
	data := make([]byte, 4+len(name)+2)
	binary.BigEndian.PutUint32(data[0:4], uint32(len(name)))
	copy(data[4:], name)
	return data
}

// attach runs NBD_OPT_GO and returns the export size and flags
func (c *client) attach(name string) (uint64, uint16) {
	c.t.Helper()
	c.option(nbdOptGo, goData(name))

	var size uint64
	var flags uint16
	for {
		rep, data := c.optionReply(nbdOptGo)
		if rep == nbdRepAck {
			return size, flags
		}
		require.Equal(c.t, nbdRepInfo, rep)
		if binary.BigEndian.Uint16(data[0:2]) == nbdInfoExport {
			size = binary.BigEndian.Uint64(data[2:10])
			flags = binary.BigEndian.Uint16(data[10:12])
		}
	}
}

func (c *client) request(cmd uint16, handle uint64, offset uint64, length uint32, payload []byte) {
	c.t.Helper()
	req := make([]byte, 28)
	binary.BigEndian.PutUint32(req[0:4], nbdRequestMagic)
	binary.BigEndian.PutUint16(req[6:8], cmd)
	binary.BigEndian.PutUint64(req[8:16], handle)
	binary.BigEndian.PutUint64(req[16:24], offset)
	binary.BigEndian.PutUint32(req[24:28], length)
	c.write(append(req, payload...))
}

// reply reads a simple reply carrying n data bytes on success
func (c *client) reply(handle uint64, n int) (uint32, []byte) {
	c.t.Helper()
	hdr := c.read(16)
	require.Equal(c.t, nbdReplyMagicSimple, binary.BigEndian.Uint32(hdr[0:4]))
	require.Equal(c.t, handle, binary.BigEndian.Uint64(hdr[8:16]))
	code := binary.BigEndian.Uint32(hdr[4:8])
	if code != nbdErrNone || n == 0 {
		return code, nil
	}
	return code, c.read(n)
}

type failingReader struct{}

func (failingReader) ReadAt([]byte, int64) (int, error) { return 0, errors.New("decrypt failed") }

func testServer(t *testing.T) (*Server, []byte) {
	t.Helper()
	data := make([]byte, 0x10000)
	for i := range data {
		data[i] = byte(i * 13)
	}
	s := NewServer("unused.sock", WithLogger(zap.NewNop().Sugar()))
	require.NoError(t, s.AddExport(Export{Name: "SYSTEM", Reader: bytes.NewReader(data), Size: int64(len(data))}))
	require.NoError(t, s.AddExport(Export{Name: "BROKEN", Reader: failingReader{}, Size: 0x1000}))
	return s, data
}

func connect(t *testing.T, s *Server) *client {
	t.Helper()
	srv, cli := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConnection(srv)
	}()
	t.Cleanup(func() {
		cli.Close()
		<-done
	})
	c := &client{t: t, conn: cli}
	c.handshake()
	return c
}

func TestAddExport(t *testing.T) {
	s, _ := testServer(t)
	assert.Equal(t, []string{"BROKEN", "SYSTEM"}, s.Exports())

	assert.Error(t, s.AddExport(Export{Name: "SYSTEM", Reader: bytes.NewReader(nil)}))
	assert.Error(t, s.AddExport(Export{Name: "", Reader: bytes.NewReader(nil)}))
	assert.Error(t, s.AddExport(Export{Name: "USER"}))
}

func TestReadSession(t *testing.T) {
	s, data := testServer(t)
	c := connect(t, s)

	size, flags := c.attach("SYSTEM")
	assert.Equal(t, uint64(len(data)), size)
	assert.NotZero(t, flags&nbdFlagReadOnly)

	c.request(nbdCmdRead, 1, 0x3FF0, 0x20, nil)
	code, got := c.reply(1, 0x20)
	assert.Equal(t, nbdErrNone, code)
	assert.Equal(t, data[0x3FF0:0x4010], got)

	// Writes are refused but the session survives
	c.request(nbdCmdWrite, 2, 0, 4, []byte{1, 2, 3, 4})
	code, _ = c.reply(2, 0)
	assert.Equal(t, nbdErrPerm, code)

	c.request(nbdCmdRead, 3, uint64(len(data))-8, 16, nil)
	code, _ = c.reply(3, 16)
	assert.Equal(t, nbdErrInval, code)

	c.request(nbdCmdFlush, 4, 0, 0, nil)
	code, _ = c.reply(4, 0)
	assert.Equal(t, nbdErrNone, code)

	c.request(nbdCmdRead, 5, 0, 8, nil)
	code, got = c.reply(5, 8)
	assert.Equal(t, nbdErrNone, code)
	assert.Equal(t, data[:8], got)

	c.request(nbdCmdDisc, 6, 0, 0, nil)
}

func TestReadErrorsBecomeEIO(t *testing.T) {
	s, _ := testServer(t)
	c := connect(t, s)
	c.attach("BROKEN")

	for h := uint64(1); h <= 2; h++ {
		c.request(nbdCmdRead, h, 0, 0x200, nil)
		code, _ := c.reply(h, 0x200)
		assert.Equal(t, nbdErrIO, code)
	}
	c.request(nbdCmdDisc, 3, 0, 0, nil)
}

func TestListAndUnknownExport(t *testing.T) {
	s, _ := testServer(t)
	c := connect(t, s)

	c.option(nbdOptList, nil)
	var names []string
	for {
		rep, data := c.optionReply(nbdOptList)
		if rep == nbdRepAck {
			break
		}
		require.Equal(t, nbdRepServer, rep)
		n := binary.BigEndian.Uint32(data[0:4])
		names = append(names, string(data[4:4+n]))
	}
	assert.Equal(t, []string{"BROKEN", "SYSTEM"}, names)

	c.option(nbdOptGo, goData("USER"))
	rep, _ := c.optionReply(nbdOptGo)
	assert.Equal(t, nbdRepErrUnknown, rep)

	c.option(99, nil)
	rep, _ = c.optionReply(99)
	assert.Equal(t, nbdRepErrUnsup, rep)

	size, _ := c.attach("SYSTEM")
	assert.Equal(t, uint64(0x10000), size)
	c.request(nbdCmdDisc, 1, 0, 0, nil)
}

func TestServeStopsOnContext(t *testing.T) {
	s, data := testServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	c := &client{t: t, conn: conn}
	c.handshake()
	c.attach("SYSTEM")
	c.request(nbdCmdRead, 7, 0x100, 4, nil)
	_, got := c.reply(7, 4)
	assert.Equal(t, data[0x100:0x104], got)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestListenAndServeWithoutExports(t *testing.T) {
	s := NewServer("unused.sock")
	assert.Error(t, s.ListenAndServe(context.Background()))
}
