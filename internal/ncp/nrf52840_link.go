package ncp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	llACKTimeout  = 500 * time.Millisecond
	llMaxAttempts = 4
	hlRespTimeout = 5 * time.Second

	minReadBackoff = 10 * time.Millisecond
	maxReadBackoff = 5 * time.Second
)

// zbossLink is one open session on the NCP serial port. It owns the LL
// sequence and acknowledgement handshake, matches HL responses to requests
// by TSN and hands indications to onInd. A reset ends the link; the NCP
// opens a new one once the port re-enumerates.
type zbossLink struct {
	rw     io.ReadWriteCloser
	logger *slog.Logger
	onInd  func(*zbossFrame)

	writeMu sync.Mutex
	seqMu   sync.Mutex
	pktSeq  uint8
	tsn     atomic.Uint32
	acks    chan uint8

	// lastRx is the packet sequence of the last data frame, read loop only.
	lastRx uint8

	pendingMu sync.Mutex
	pending   map[uint8]chan *zbossFrame

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newZBOSSLink(rw io.ReadWriteCloser, onInd func(*zbossFrame), logger *slog.Logger) *zbossLink {
	l := &zbossLink{
		rw:      rw,
		logger:  logger,
		onInd:   onInd,
		acks:    make(chan uint8, 4),
		pending: make(map[uint8]chan *zbossFrame),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

// close ends the link and waits for the read loop. Requests still waiting
// fail with ErrClosed.
func (l *zbossLink) close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.rw.Close()
		l.wg.Wait()
	})
	return err
}

func (l *zbossLink) closing() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *zbossLink) nextTSN() uint8 {
	return uint8(l.tsn.Add(1))
}

// nextPktSeq cycles the 2-bit LL sequence 1, 2, 3, 1; zero is never sent.
func (l *zbossLink) nextPktSeq() uint8 {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	l.pktSeq = l.pktSeq%3 + 1
	return l.pktSeq
}

func (l *zbossLink) write(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.rw.Write(frame)
	return err
}

// request sends an HL request and waits for its response. Without a
// deadline on ctx the wait is bounded by hlRespTimeout. A response with a
// non-OK status is returned together with an error.
func (l *zbossLink) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	if l.closing() {
		return nil, ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hlRespTimeout)
		defer cancel()
	}

	tsn := l.nextTSN()
	ch := make(chan *zbossFrame, 1)
	l.pendingMu.Lock()
	l.pending[tsn] = ch
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, tsn)
		l.pendingMu.Unlock()
	}()

	name := zbossCmdName(callID)
	pktSeq := l.nextPktSeq()
	if err := l.writeWithACK(ctx, zbossEncodeRequest(callID, tsn, pktSeq, payload), pktSeq); err != nil {
		return nil, fmt.Errorf("zboss %s: %w", name, err)
	}
	l.logger.Debug("zboss TX", "cmd", name, "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	select {
	case resp := <-ch:
		status := zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode)
		if resp.HL.StatusCat != 0 || resp.HL.StatusCode != 0 {
			l.logger.Warn("zboss RX", "cmd", name, "tsn", tsn, "status", status, "payload", fmt.Sprintf("%X", resp.Payload))
			return resp, fmt.Errorf("zboss %s: %s", name, status)
		}
		l.logger.Debug("zboss RX", "cmd", name, "tsn", tsn, "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		l.logger.Warn("zboss timeout", "cmd", name, "tsn", tsn, "err", ctx.Err())
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrClosed
	}
}

// writeWithACK writes frame until the NCP acknowledges pktSeq. Repeats carry
// the retransmit flag.
func (l *zbossLink) writeWithACK(ctx context.Context, frame []byte, pktSeq uint8) error {
	for attempt := 1; attempt <= llMaxAttempts; attempt++ {
		if attempt > 1 {
			markRetransmit(frame)
		}
		if err := l.write(frame); err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		acked, err := l.awaitACK(ctx, pktSeq)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		l.logger.Warn("zboss LL ACK timeout", "attempt", attempt, "pkt_seq", pktSeq)
	}
	return fmt.Errorf("no LL ACK after %d attempts", llMaxAttempts)
}

// awaitACK waits one ACK window for pktSeq, discarding stale ACKs.
func (l *zbossLink) awaitACK(ctx context.Context, pktSeq uint8) (bool, error) {
	timer := time.NewTimer(llACKTimeout)
	defer timer.Stop()
	for {
		select {
		case seq := <-l.acks:
			if seq == pktSeq {
				return true, nil
			}
			l.logger.Debug("zboss stale LL ACK", "got", seq, "want", pktSeq)
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-l.done:
			return false, ErrClosed
		}
	}
}

// markRetransmit sets the retransmit flag on an encoded frame and refreshes
// the header CRC.
func markRetransmit(frame []byte) {
	frame[5] |= zbossFlagRetrans
	frame[6] = zbossCRC8(frame[2:6])
}

// sendReset writes an NCP reset under every LL sequence, since the NCP's
// expected sequence is unknown after a host restart. No ACK is awaited: the
// NCP drops off the bus while it resets.
func (l *zbossLink) sendReset(option uint8) {
	tsn := l.nextTSN()
	for seq := uint8(1); seq <= 3; seq++ {
		if err := l.write(zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{option})); err != nil {
			l.logger.Debug("zboss reset write", "err", err)
			return
		}
	}
}

func (l *zbossLink) readLoop() {
	defer l.wg.Done()
	r := bufio.NewReader(l.rw)
	backoff := minReadBackoff

	for {
		raw, err := readRawZBOSSFrame(r)
		if err != nil {
			if l.closing() {
				return
			}
			if !errors.Is(err, io.EOF) {
				l.logger.Error("zboss read", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-l.done:
				return
			}
			backoff = min(backoff*2, maxReadBackoff)
			continue
		}
		backoff = minReadBackoff

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			l.logger.Warn("zboss decode", "err", err)
			continue
		}
		l.dispatch(frame)
	}
}

// dispatch routes one decoded frame: LL ACKs to the writer, responses to the
// waiting request and indications to onInd. Data frames are acknowledged
// first; a retransmission of the previous frame is acknowledged and dropped.
func (l *zbossLink) dispatch(f *zbossFrame) {
	if zbossLLIsACK(f.LL.Flags) {
		select {
		case l.acks <- zbossLLAckSeq(f.LL.Flags):
		default:
		}
		return
	}

	seq := zbossLLPktSeq(f.LL.Flags)
	if err := l.write(zbossEncodeACK(seq)); err != nil {
		l.logger.Error("zboss send ACK", "err", err)
	}
	if f.LL.Flags&zbossFlagRetrans != 0 && seq == l.lastRx {
		l.logger.Debug("zboss duplicate frame", "cmd", zbossCmdName(f.HL.CallID), "pkt_seq", seq)
		return
	}
	l.lastRx = seq

	switch f.HL.PacketType {
	case zbossHLResponse:
		l.pendingMu.Lock()
		ch, ok := l.pending[f.HL.TSN]
		l.pendingMu.Unlock()
		if !ok {
			l.logger.Warn("zboss orphaned response",
				"cmd", zbossCmdName(f.HL.CallID),
				"tsn", f.HL.TSN,
				"status", zbossStatusName(f.HL.StatusCat, f.HL.StatusCode))
			return
		}
		select {
		case ch <- f:
		default:
		}

	case zbossHLIndication:
		if l.onInd != nil {
			l.onInd(f)
		}
	}
}
