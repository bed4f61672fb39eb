package uhf

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"sort"
	"sync"
	"time"
)

// Simulator is a TCP reader that speaks the frame protocol. It backs cmd/uhfsim and the
// driver and worker tests.
type Simulator struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	serial    []byte
	params    Params
	visible   map[string]int // tag code -> antenna
	inventory bool
	pending   []Tag
	failNext  map[byte]Code
}

// NewSimulator returns a simulator with a fixed serial and default parameters.
func NewSimulator(serialHex string) *Simulator {
	sn, _ := hex.DecodeString(serialHex)
	return &Simulator{
		serial: sn,
		params: Params{
			WorkMode: 0, Region: 0x80, RFPower: 26, Antenna: 1, QValue: 4,
			Session: 0, Interface: 0, BaudRate: BaudCodes[115200], FilterTime: 0, BuzzerTime: 1,
		},
		visible:  make(map[string]int),
		failNext: make(map[byte]Code),
		quit:     make(chan struct{}),
	}
}

// Listen starts accepting connections on the provided address.
func (s *Simulator) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound address, useful after Listen("127.0.0.1:0").
func (s *Simulator) Addr() string {
	return s.listener.Addr().String()
}

// Descriptor returns a network descriptor pointing at this simulator.
func (s *Simulator) Descriptor() Descriptor {
	return Descriptor{Transport: TransportNetwork, Address: s.Addr()}
}

// SetTags replaces the set of tags in the field. codes map to the antenna they are seen on.
func (s *Simulator) SetTags(codes map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = make(map[string]int, len(codes))
	for code, ant := range codes {
		s.visible[code] = ant
	}
}

// FailNext makes the next request for cmd answer with code.
func (s *Simulator) FailNext(cmd byte, code Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[cmd] = code
}

func (s *Simulator) CurrentParams() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

const (
	acceptRetryMin = 5 * time.Millisecond
	acceptRetryMax = time.Second
)

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// back off on errors such as EMFILE, as net/http does
			if delay == 0 {
				delay = acceptRetryMin
			} else if delay *= 2; delay > acceptRetryMax {
				delay = acceptRetryMax
			}
			select {
			case <-s.quit:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Simulator) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	go func() {
		<-s.quit
		conn.Close()
	}()
	for {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		resp, wait := s.handle(req)
		if wait > 0 {
			time.Sleep(wait)
		}
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Simulator) handle(req frame) (frame, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.failNext[req.cmd]; ok {
		delete(s.failNext, req.cmd)
		return statusFrame(req.cmd, code), 0
	}
	switch req.cmd {
	case CmdDeviceInfo:
		return statusFrame(req.cmd, CodeOK, s.serial...), 0
	case CmdGetParams:
		return statusFrame(req.cmd, CodeOK, s.params.encode()...), 0
	case CmdSetParams:
		p, err := decodeParams(req.payload)
		if err != nil {
			return statusFrame(req.cmd, CodeParameter), 0
		}
		s.params = p
		return statusFrame(req.cmd, CodeOK), 0
	case CmdInventoryContinue:
		s.inventory = true
		s.pending = s.pending[:0]
		codes := make([]string, 0, len(s.visible))
		for code := range s.visible {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			uii, err := hex.DecodeString(code)
			if err != nil {
				continue
			}
			s.pending = append(s.pending, Tag{Antenna: s.visible[code], UII: uii})
		}
		return statusFrame(req.cmd, CodeOK), 0
	case CmdGetTagUII:
		if !s.inventory {
			return statusFrame(req.cmd, CodeNoTag), timeoutFromPayload(req.payload)
		}
		if len(s.pending) == 0 {
			s.inventory = false
			return statusFrame(req.cmd, CodeEndOfInventory), 0
		}
		tag := s.pending[0]
		s.pending = s.pending[1:]
		data := append([]byte{byte(tag.Antenna), byte(len(tag.UII))}, tag.UII...)
		return statusFrame(req.cmd, CodeOK, data...), 0
	case CmdInventoryStop:
		s.inventory = false
		s.pending = s.pending[:0]
		return statusFrame(req.cmd, CodeOK), 0
	default:
		return statusFrame(req.cmd, CodeParameter), 0
	}
}

// Close stops accepting connections and drops the open ones.
func (s *Simulator) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.wg.Wait()
	})
	return err
}

// timeoutFromPayload decodes the millisecond timeout carried by tag and stop requests.
func timeoutFromPayload(b []byte) time.Duration {
	if len(b) < 2 {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint16(b)) * time.Millisecond
}
