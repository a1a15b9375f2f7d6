package nat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	SnapLen        = 65535
	GoRoutineCount = 10
	readTimeout    = 500 * time.Millisecond
)

// FrameHandler is given every frame a Sniffer captures.
type FrameHandler interface {
	AcceptPkt(ctx context.Context, pkt gopacket.Packet, ifName string)
}

// Sniffer - yea terrible name i know, you have a sniffer and a spitter. Sniff on one interface, spit out the other.
type Sniffer struct {
	ifName  string
	promisc bool
}

func CreateSniffer(ifName string, promisc bool) Sniffer {
	return Sniffer{ifName: ifName, promisc: promisc}
}

// Start captures on the interface until ctx is done, handing frames to
// handler from GoRoutineCount goroutines. A handler waiting on ARP only
// stalls its own goroutine.
func (s Sniffer) Start(ctx context.Context, bpf string, handler FrameHandler) error {
	handle, err := pcap.OpenLive(s.ifName, SnapLen, s.promisc, readTimeout)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.ifName, err)
	}
	defer handle.Close()
	if bpf != "" {
		if err = handle.SetBPFFilter(bpf); err != nil {
			return fmt.Errorf("bpf filter %q on %s: %w", bpf, s.ifName, err)
		}
	}
	log.Info().Msgf("Started listening on %s with BPF filter %s", s.ifName, bpf)

	var opts = gopacket.DecodeOptions{Lazy: true}
	lt := handle.LinkType()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < GoRoutineCount; i++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				data, ci, err := handle.ReadPacketData()
				if errors.Is(err, pcap.NextErrorTimeoutExpired) {
					continue
				} else if err != nil {
					return fmt.Errorf("read on %s: %w", s.ifName, err)
				}
				if ci.CaptureLength < ci.Length {
					log.Warn().Msgf("Packet truncated. Capture length %d, Length %d", ci.CaptureLength, ci.Length)
					continue
				}
				handler.AcceptPkt(ctx, gopacket.NewPacket(data, lt, opts), s.ifName)
			}
		})
	}
	return g.Wait()
}

// Spitter - writes frames out of an interface.
type Spitter struct {
	ifName string
	handle *pcap.Handle
	lock   sync.Mutex
	bufs   sync.Pool
}

func CreateSpitter(ifName string) (*Spitter, error) {
	handle, err := pcap.OpenLive(ifName, SnapLen, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ifName, err)
	}
	s := &Spitter{ifName: ifName, handle: handle}
	s.bufs.New = func() any { return gopacket.NewSerializeBuffer() }
	return s, nil
}

func (s *Spitter) Send(pkt *Packet) error {
	buf := s.bufs.Get().(gopacket.SerializeBuffer)
	defer s.bufs.Put(buf)
	data, err := pkt.BytesReuse(buf)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", pkt, err)
	}
	return s.SendBytes(data)
}

func (s *Spitter) SendBytes(buf []byte) (err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err = s.handle.WritePacketData(buf); err != nil {
		log.Error().Err(err).Msgf("Ouch. This is probably just a too large packet - probably TSO related.")
	}
	return
}

func (s *Spitter) Close() {
	s.handle.Close()
}
