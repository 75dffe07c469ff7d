// Package nbd implements a read-only NBD (Network Block Device) server.
// Each export is an io.ReaderAt served over the fixed newstyle handshake on
// a Unix socket, so decrypted NAND partitions can be attached with
// nbd-client and mounted by the host.
package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-switchfs/internal/logger"
)

// NBD protocol constants
const (
	nbdMagic            = uint64(0x4e42444d41474943) // "NBDMAGIC"
	nbdOptionMagic      = uint64(0x49484156454F5054) // "IHAVEOPT"
	nbdReplyMagic       = uint64(0x3e889045565a9)
	nbdRequestMagic     = uint32(0x25609513)
	nbdReplyMagicSimple = uint32(0x67446698)

	nbdFlagFixedNewstyle = uint16(1 << 0)
	nbdFlagNoZeroes      = uint16(1 << 1)
	nbdFlagCNoZeroes     = uint32(1 << 1)

	nbdFlagHasFlags  = uint16(1 << 0)
	nbdFlagReadOnly  = uint16(1 << 1)
	nbdFlagSendFlush = uint16(1 << 2)

	nbdOptExportName = uint32(1)
	nbdOptAbort      = uint32(2)
	nbdOptList       = uint32(3)
	nbdOptInfo       = uint32(6)
	nbdOptGo         = uint32(7)

	nbdRepAck        = uint32(1)
	nbdRepServer     = uint32(2)
	nbdRepInfo       = uint32(3)
	nbdRepErrUnsup   = uint32(0x80000001)
	nbdRepErrUnknown = uint32(0x80000006)

	nbdInfoExport    = uint16(0)
	nbdInfoBlockSize = uint16(3)

	nbdCmdRead  = uint16(0)
	nbdCmdWrite = uint16(1)
	nbdCmdDisc  = uint16(2)
	nbdCmdFlush = uint16(3)
	nbdCmdTrim  = uint16(4)

	nbdErrNone  = uint32(0)
	nbdErrPerm  = uint32(1)
	nbdErrIO    = uint32(5)
	nbdErrInval = uint32(22)

	// Preferred block size advertised to clients. Matches the XTS-N sector
	// so client reads line up with whole decrypted sectors.
	preferredBlockSize = uint32(0x4000)
	maxPayload         = uint32(32 * 1024 * 1024)
)

// Export is a named read-only block device
type Export struct {
	Name   string      // Export name that clients use to connect
	Reader io.ReaderAt // Data source
	Size   int64       // Size of the export in bytes
}

// Server serves exports to NBD clients
type Server struct {
	socketPath string
	log        *zap.SugaredLogger

	exportsMu sync.RWMutex
	exports   map[string]*Export

	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	listener net.Listener
	wg       sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithLogger replaces the package logger for this server
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer creates a server that will listen on socketPath
func NewServer(socketPath string, opts ...Option) *Server {
	s := &Server{
		socketPath: socketPath,
		exports:    make(map[string]*Export),
		conns:      make(map[net.Conn]struct{}),
		log:        logger.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddExport registers a new export
func (s *Server) AddExport(exp Export) error {
	if exp.Name == "" {
		return errors.New("export name must not be empty")
	}
	if exp.Reader == nil || exp.Size < 0 {
		return fmt.Errorf("export %q: missing reader or negative size", exp.Name)
	}

	s.exportsMu.Lock()
	defer s.exportsMu.Unlock()

	if _, exists := s.exports[exp.Name]; exists {
		return fmt.Errorf("export %q already exists", exp.Name)
	}
	s.exports[exp.Name] = &exp
	return nil
}

func (s *Server) getExport(name string) *Export {
	s.exportsMu.RLock()
	defer s.exportsMu.RUnlock()
	return s.exports[name]
}

// Exports returns all export names in sorted order
func (s *Server) Exports() []string {
	s.exportsMu.RLock()
	defer s.exportsMu.RUnlock()

	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListenAndServe listens on the Unix socket and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	if len(s.Exports()) == 0 {
		return errors.New("no exports defined")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer os.Remove(s.socketPath)

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		s.log.Warnw("Failed to chmod socket", "socket", s.socketPath, "error", err)
	}

	s.log.Infow("Listening", "socket", "unix:"+s.socketPath)
	s.log.Infof("Connect with: sudo nbd-client -N <export-name> -unix %s /dev/nbdX", s.socketPath)
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or ln fails. Active
// connections are closed before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.connsMu.Lock()
	s.listener = ln
	s.connsMu.Unlock()

	for _, name := range s.Exports() {
		s.log.Infow("Export", "name", name, "size", s.getExport(name).Size, "read_only", true)
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	defer func() {
		s.closeConns()
		s.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warnw("Accept error", "error", err)
			return err
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

// Close stops accepting connections and drops active ones
func (s *Server) Close() error {
	s.connsMu.Lock()
	ln := s.listener
	s.connsMu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.closeConns()
	return err
}

func (s *Server) track(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) closeConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// session is one client connection
type session struct {
	server   *Server
	conn     net.Conn
	export   *Export
	noZeroes bool
	log      *zap.SugaredLogger
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	sess := &session{
		server: s,
		conn:   conn,
		log:    s.log.With("remote", conn.RemoteAddr().String()),
	}
	sess.log.Debugw("New connection")

	if err := sess.negotiate(); err != nil {
		sess.log.Warnw("Negotiation failed", "error", err)
		return
	}

	if err := sess.transmit(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		sess.log.Warnw("Transmission error", "export", sess.export.Name, "error", err)
	}
	sess.log.Debugw("Connection closed", "export", sess.export.Name)
}

func (sess *session) negotiate() error {
	greeting := make([]byte, 18)
	binary.BigEndian.PutUint64(greeting[0:8], nbdMagic)
	binary.BigEndian.PutUint64(greeting[8:16], nbdOptionMagic)
	binary.BigEndian.PutUint16(greeting[16:18], nbdFlagFixedNewstyle|nbdFlagNoZeroes)

	if _, err := sess.conn.Write(greeting); err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	clientFlags := make([]byte, 4)
	if _, err := io.ReadFull(sess.conn, clientFlags); err != nil {
		return fmt.Errorf("failed to read client flags: %w", err)
	}
	sess.noZeroes = binary.BigEndian.Uint32(clientFlags)&nbdFlagCNoZeroes != 0

	for {
		optHeader := make([]byte, 16)
		if _, err := io.ReadFull(sess.conn, optHeader); err != nil {
			return fmt.Errorf("failed to read option header: %w", err)
		}

		if magic := binary.BigEndian.Uint64(optHeader[0:8]); magic != nbdOptionMagic {
			return fmt.Errorf("bad option magic: %x", magic)
		}

		optType := binary.BigEndian.Uint32(optHeader[8:12])
		optLen := binary.BigEndian.Uint32(optHeader[12:16])
		if optLen > maxPayload {
			return fmt.Errorf("option %d too large: %d bytes", optType, optLen)
		}

		optData := make([]byte, optLen)
		if _, err := io.ReadFull(sess.conn, optData); err != nil {
			return fmt.Errorf("failed to read option data: %w", err)
		}

		done, err := sess.handleOption(optType, optData)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (sess *session) handleOption(optType uint32, optData []byte) (done bool, err error) {
	switch optType {
	case nbdOptExportName:
		export := sess.server.getExport(string(optData))
		if export == nil {
			return false, fmt.Errorf("unknown export: %s", optData)
		}
		sess.export = export
		return true, sess.sendOldstyleExportInfo()

	case nbdOptGo, nbdOptInfo:
		var name string
		if len(optData) >= 4 {
			nameLen := binary.BigEndian.Uint32(optData[0:4])
			if int64(nameLen)+4 <= int64(len(optData)) {
				name = string(optData[4 : 4+nameLen])
			}
		}

		export := sess.server.getExport(name)
		if export == nil && name == "" {
			if names := sess.server.Exports(); len(names) > 0 {
				export = sess.server.getExport(names[0])
			}
		}
		if export == nil {
			return false, sess.sendOptionReply(optType, nbdRepErrUnknown, nil)
		}

		if err := sess.sendExportInfo(optType, export); err != nil {
			return false, err
		}
		if optType == nbdOptInfo {
			return false, nil
		}
		sess.export = export
		return true, nil

	case nbdOptList:
		for _, name := range sess.server.Exports() {
			nameData := make([]byte, 4+len(name))
			binary.BigEndian.PutUint32(nameData[0:4], uint32(len(name)))
			copy(nameData[4:], name)
			if err := sess.sendOptionReply(optType, nbdRepServer, nameData); err != nil {
				return false, err
			}
		}
		return false, sess.sendOptionReply(optType, nbdRepAck, nil)

	case nbdOptAbort:
		sess.sendOptionReply(optType, nbdRepAck, nil)
		return false, errors.New("client aborted")

	default:
		return false, sess.sendOptionReply(optType, nbdRepErrUnsup, nil)
	}
}

func (sess *session) sendOptionReply(option, replyType uint32, data []byte) error {
	reply := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(reply[0:8], nbdReplyMagic)
	binary.BigEndian.PutUint32(reply[8:12], option)
	binary.BigEndian.PutUint32(reply[12:16], replyType)
	binary.BigEndian.PutUint32(reply[16:20], uint32(len(data)))
	copy(reply[20:], data)
	_, err := sess.conn.Write(reply)
	return err
}

func transmissionFlags() uint16 {
	return nbdFlagHasFlags | nbdFlagReadOnly | nbdFlagSendFlush
}

func (sess *session) sendExportInfo(option uint32, exp *Export) error {
	infoExport := make([]byte, 12)
	binary.BigEndian.PutUint16(infoExport[0:2], nbdInfoExport)
	binary.BigEndian.PutUint64(infoExport[2:10], uint64(exp.Size))
	binary.BigEndian.PutUint16(infoExport[10:12], transmissionFlags())
	if err := sess.sendOptionReply(option, nbdRepInfo, infoExport); err != nil {
		return err
	}

	blockInfo := make([]byte, 14)
	binary.BigEndian.PutUint16(blockInfo[0:2], nbdInfoBlockSize)
	binary.BigEndian.PutUint32(blockInfo[2:6], 1)
	binary.BigEndian.PutUint32(blockInfo[6:10], preferredBlockSize)
	binary.BigEndian.PutUint32(blockInfo[10:14], maxPayload)
	if err := sess.sendOptionReply(option, nbdRepInfo, blockInfo); err != nil {
		return err
	}

	return sess.sendOptionReply(option, nbdRepAck, nil)
}

func (sess *session) sendOldstyleExportInfo() error {
	respLen := 10
	if !sess.noZeroes {
		respLen = 134
	}

	resp := make([]byte, respLen)
	binary.BigEndian.PutUint64(resp[0:8], uint64(sess.export.Size))
	binary.BigEndian.PutUint16(resp[8:10], transmissionFlags())

	_, err := sess.conn.Write(resp)
	return err
}

func (sess *session) transmit() error {
	header := make([]byte, 28)
	exp := sess.export

	sess.log.Infow("Client attached", "export", exp.Name, "size", exp.Size)

	for {
		if _, err := io.ReadFull(sess.conn, header); err != nil {
			return err
		}

		if magic := binary.BigEndian.Uint32(header[0:4]); magic != nbdRequestMagic {
			return fmt.Errorf("bad request magic: %x", magic)
		}

		cmdType := binary.BigEndian.Uint16(header[6:8])
		handle := header[8:16]
		offset := binary.BigEndian.Uint64(header[16:24])
		length := binary.BigEndian.Uint32(header[24:28])

		var err error
		switch cmdType {
		case nbdCmdRead:
			err = sess.handleRead(handle, offset, length)
		case nbdCmdWrite:
			// Drain the payload so the stream stays in sync
			if _, err = io.CopyN(io.Discard, sess.conn, int64(length)); err == nil {
				err = sess.sendReply(handle, nbdErrPerm, nil)
			}
		case nbdCmdFlush, nbdCmdTrim:
			err = sess.sendReply(handle, nbdErrNone, nil)
		case nbdCmdDisc:
			sess.log.Debugw("Client disconnected", "export", exp.Name)
			return nil
		default:
			sess.log.Warnw("Unknown command", "command", cmdType)
			err = sess.sendReply(handle, nbdErrInval, nil)
		}
		if err != nil {
			return err
		}
	}
}

// handleRead answers one read. Failures of the data source are reported
// to the client as EIO and the session carries on.
func (sess *session) handleRead(handle []byte, offset uint64, length uint32) error {
	exp := sess.export

	if length > maxPayload || offset > uint64(exp.Size) || uint64(length) > uint64(exp.Size)-offset {
		return sess.sendReply(handle, nbdErrInval, nil)
	}

	data := make([]byte, length)
	n, err := exp.Reader.ReadAt(data, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		sess.log.Errorw("Read failed", "export", exp.Name, "offset", offset, "length", length, "error", err)
		return sess.sendReply(handle, nbdErrIO, nil)
	}
	clear(data[n:])

	return sess.sendReply(handle, nbdErrNone, data)
}

func (sess *session) sendReply(handle []byte, errCode uint32, data []byte) error {
	reply := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(reply[0:4], nbdReplyMagicSimple)
	binary.BigEndian.PutUint32(reply[4:8], errCode)
	copy(reply[8:16], handle)
	copy(reply[16:], data)
	_, err := sess.conn.Write(reply)
	return err
}
