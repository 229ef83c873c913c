package recording

import (
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
)

// naluTypeIDR is the H.264 NAL unit type for an IDR (instantaneous decoder refresh) slice — the
// access unit that marks a keyframe/GOP boundary.
const naluTypeIDR = 5

// naluTypeHEVCIDRW and naluTypeHEVCIDRN are the H.265 NAL unit types for IDR slices.
const (
	naluTypeHEVCIDRW = 19
	naluTypeHEVCIDRN = 20
)

// RTSPDemuxer implements Demuxer against a live RTSP source using gortsplib. It handles session
// setup, RTP depacketization, and keyframe classification; an external process (writer.go) owns
// muxing the resulting Annex-B access units into MP4.
type RTSPDemuxer struct {
	client  *gortsplib.Client
	medias  []*description.Media
	packets chan Packet
	errCh   chan error
	codec   string
}

// NewRTSPDemuxer dials url (tcp or udp transport per protocol) and sets up playback of the first
// video (H.264/H.265) and, if present, audio media it finds.
func NewRTSPDemuxer(url string, protocol string) (*RTSPDemuxer, error) {
	u, err := base.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse rtsp url: %w", err)
	}

	transport := gortsplib.TransportTCP
	if protocol == "udp" {
		transport = gortsplib.TransportUDP
	}

	client := &gortsplib.Client{Transport: &transport}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("start rtsp client: %w", err)
	}

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("describe: %w", err)
	}

	d := &RTSPDemuxer{
		client:  client,
		packets: make(chan Packet, 256),
		errCh:   make(chan error, 1),
	}

	var h264Format format.H264
	var h265Format format.H265
	var aacFormat format.MPEG4Audio

	if medi := desc.FindFormat(&h264Format); medi != nil {
		d.codec = "h264"
		if err := d.setupH264(desc.BaseURL, medi, &h264Format); err != nil {
			client.Close()
			return nil, err
		}
	} else if medi := desc.FindFormat(&h265Format); medi != nil {
		d.codec = "h265"
		if err := d.setupH265(desc.BaseURL, medi, &h265Format); err != nil {
			client.Close()
			return nil, err
		}
	} else {
		client.Close()
		return nil, fmt.Errorf("no supported video format (h264/h265) in stream")
	}

	if medi := desc.FindFormat(&aacFormat); medi != nil {
		_ = d.setupAudio(desc.BaseURL, medi)
	}

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return nil, fmt.Errorf("play: %w", err)
	}

	return d, nil
}

// Codec reports the detected video codec ("h264" or "h265").
func (d *RTSPDemuxer) Codec() string { return d.codec }

func (d *RTSPDemuxer) setupH264(baseURL *base.URL, medi *description.Media, forma *format.H264) error {
	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		return fmt.Errorf("create h264 decoder: %w", err)
	}
	if _, err := d.client.Setup(baseURL, medi, 0, 0); err != nil {
		return fmt.Errorf("setup h264 media: %w", err)
	}
	d.client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		au, err := rtpDec.Decode(pkt)
		if err != nil {
			return
		}
		d.emit(au, 0, isH264Keyframe(au))
	})
	return nil
}

func (d *RTSPDemuxer) setupH265(baseURL *base.URL, medi *description.Media, forma *format.H265) error {
	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		return fmt.Errorf("create h265 decoder: %w", err)
	}
	if _, err := d.client.Setup(baseURL, medi, 0, 0); err != nil {
		return fmt.Errorf("setup h265 media: %w", err)
	}
	d.client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		au, err := rtpDec.Decode(pkt)
		if err != nil {
			return
		}
		d.emit(au, 0, isH265Keyframe(au))
	})
	return nil
}

func (d *RTSPDemuxer) setupAudio(baseURL *base.URL, medi *description.Media) error {
	if _, err := d.client.Setup(baseURL, medi, 0, 0); err != nil {
		return fmt.Errorf("setup audio media: %w", err)
	}
	d.client.OnPacketRTP(medi, nil, func(pkt *rtp.Packet) {
		d.emitRaw(Packet{
			PTS:   time.Now(),
			DTS:   time.Now(),
			Flags: FlagAudio,
			Data:  pkt.Payload,
		})
	})
	return nil
}

// emit flattens an access unit (one or more NAL units) into a single Packet, annotating it as a
// keyframe when any contained NAL is an IDR slice. Packets are wall-clock stamped since
// downstream filenames and metadata are wall-clock based; the RTP-relative pts is only used to
// order frames within one access unit batch.
func (d *RTSPDemuxer) emit(au [][]byte, _ time.Duration, keyframe bool) {
	size := 0
	for _, nalu := range au {
		size += len(nalu) + 4 // Annex-B start code
	}
	buf := make([]byte, 0, size)
	for _, nalu := range au {
		buf = append(buf, 0, 0, 0, 1)
		buf = append(buf, nalu...)
	}

	flags := FlagVideo
	if keyframe {
		flags |= FlagKeyframe
	}
	now := time.Now()
	d.emitRaw(Packet{PTS: now, DTS: now, Flags: flags, Data: buf})
}

func (d *RTSPDemuxer) emitRaw(p Packet) {
	select {
	case d.packets <- p:
	default:
		// Consumer (ingest worker) is falling behind; drop rather than block the RTP callback,
		// which must return promptly per gortsplib's contract.
	}
}

// Packets returns the channel of demuxed, wall-clock-stamped packets.
func (d *RTSPDemuxer) Packets() <-chan Packet { return d.packets }

// Errors returns the channel on which a fatal demux/connection error is reported exactly once.
func (d *RTSPDemuxer) Errors() <-chan error { return d.errCh }

// Close tears down the RTSP session.
func (d *RTSPDemuxer) Close() error {
	d.client.Close()
	close(d.packets)
	return nil
}

func isH264Keyframe(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if nalu[0]&0x1f == naluTypeIDR {
			return true
		}
	}
	return false
}

func isH265Keyframe(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) < 2 {
			continue
		}
		naluType := (nalu[0] >> 1) & 0x3f
		if naluType == naluTypeHEVCIDRW || naluType == naluTypeHEVCIDRN {
			return true
		}
	}
	return false
}
