package muxer

import (
	"bytes"
	"io"
	"sort"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
)

// TrackInfo is what a probe learned about one track.
type TrackInfo struct {
	ID        int
	Kind      core.MediaKind
	Codec     string
	TimeScale uint32
	Samples   int
	Duration  time.Duration
}

// ProbeResult describes a recorded movie file.
type ProbeResult struct {
	Container Container
	Tracks    []TrackInfo
}

// Track returns the first track of the given kind.
func (p *ProbeResult) Track(kind core.MediaKind) (TrackInfo, bool) {
	for _, t := range p.Tracks {
		if t.Kind == kind {
			return t, true
		}
	}
	return TrackInfo{}, false
}

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// trunSampleDurationPresent is the trun flag for per-sample durations; go-mp4
// v1.4.1 does not export a constant for it.
const trunSampleDurationPresent = 0x000100

// Probe sniffs the container and reads track statistics.
func Probe(r io.ReadSeeker) (*ProbeResult, error) {
	head := make([]byte, 8)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrap(err, "failed to read file header")
	}
	head = head[:n]
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to rewind")
	}

	switch {
	case bytes.HasPrefix(head, ebmlMagic):
		return ProbeWebM(r)
	case len(head) == 8 && string(head[4:8]) == "ftyp":
		return ProbeMP4(r)
	}
	return nil, errors.New("unrecognized container")
}

var sampleEntryCodecs = map[string]string{
	"avc1": "h264",
	"jpeg": "mjpeg",
	"mp4a": "aac",
	"Opus": "opus",
	"ipcm": "pcm",
	"sowt": "pcm",
}

type mp4Track struct {
	info            TrackInfo
	defaultDuration uint32
	units           int64
}

// ProbeMP4 walks a (fragmented) MP4 file and sums per-track sample counts
// and durations from its trun boxes.
func ProbeMP4(r io.ReadSeeker) (*ProbeResult, error) {
	tracks := map[uint32]*mp4Track{}
	var order []uint32
	var cur *mp4Track
	var trafID uint32
	var trafDefault uint32

	get := func(id uint32) *mp4Track {
		t, ok := tracks[id]
		if !ok {
			t = &mp4Track{info: TrackInfo{ID: int(id)}}
			tracks[id] = t
			order = append(order, id)
		}
		return t
	}

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case gomp4.BoxTypeMoov(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(),
			gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(), gomp4.BoxTypeMvex(), gomp4.BoxTypeMoof():
			return h.Expand()

		case gomp4.BoxTypeTrak():
			cur = nil
			return h.Expand()

		case gomp4.BoxTypeTraf():
			trafID, trafDefault = 0, 0
			return h.Expand()

		case gomp4.BoxTypeTkhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur = get(box.(*gomp4.Tkhd).TrackID)

		case gomp4.BoxTypeMdhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if cur != nil {
				cur.info.TimeScale = box.(*gomp4.Mdhd).Timescale
			}

		case gomp4.BoxTypeHdlr():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if cur != nil {
				switch string(box.(*gomp4.Hdlr).HandlerType[:]) {
				case "vide":
					cur.info.Kind = core.MediaVideo
				case "soun":
					cur.info.Kind = core.MediaAudio
				}
			}

		case gomp4.BoxTypeTrex():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			trex := box.(*gomp4.Trex)
			get(trex.TrackID).defaultDuration = trex.DefaultSampleDuration

		case gomp4.BoxTypeTfhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tfhd := box.(*gomp4.Tfhd)
			trafID = tfhd.TrackID
			if tfhd.CheckFlag(gomp4.TfhdDefaultSampleDurationPresent) {
				trafDefault = tfhd.DefaultSampleDuration
			}

		case gomp4.BoxTypeTrun():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			trun := box.(*gomp4.Trun)
			t := get(trafID)
			t.info.Samples += int(trun.SampleCount)
			for i := 0; i < int(trun.SampleCount); i++ {
				switch {
				case trun.CheckFlag(trunSampleDurationPresent) && i < len(trun.Entries):
					t.units += int64(trun.Entries[i].SampleDuration)
				case trafDefault != 0:
					t.units += int64(trafDefault)
				default:
					t.units += int64(t.defaultDuration)
				}
			}

		default:
			if cur != nil && underStsd(h.Path, h.BoxInfo.Type) {
				if codec, ok := sampleEntryCodecs[h.BoxInfo.Type.String()]; ok {
					cur.info.Codec = codec
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read mp4 box structure")
	}

	res := &ProbeResult{Container: ContainerMP4}
	for _, id := range order {
		t := tracks[id]
		t.info.Duration = durationOf(t.units, t.info.TimeScale)
		res.Tracks = append(res.Tracks, t.info)
	}
	return res, nil
}

// underStsd reports whether the box at path is a sample entry.
func underStsd(path gomp4.BoxPath, self gomp4.BoxType) bool {
	n := len(path)
	if n > 0 && path[n-1] == self {
		n--
	}
	return n > 0 && path[n-1] == gomp4.BoxTypeStsd()
}

var webmCodecs = map[string]string{
	"V_MPEG4/ISO/AVC": "h264",
	"V_MJPEG":         "mjpeg",
	"A_AAC":           "aac",
	"A_OPUS":          "opus",
	"A_PCM/INT/LIT":   "pcm",
}

// ProbeWebM decodes a WebM file and derives per-track block counts and
// durations. Durations are last minus first block time plus one nominal
// block step.
func ProbeWebM(r io.Reader) (*ProbeResult, error) {
	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	if err := ebml.Unmarshal(r, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode webm")
	}

	times := map[uint64][]int64{}
	for _, cluster := range doc.Segment.Cluster {
		for _, b := range cluster.SimpleBlock {
			times[b.TrackNumber] = append(times[b.TrackNumber], int64(cluster.Timecode)+int64(b.Timecode))
		}
	}

	res := &ProbeResult{Container: ContainerWebM}
	for _, e := range doc.Segment.Tracks.TrackEntry {
		info := TrackInfo{
			ID:        int(e.TrackNumber),
			Codec:     webmCodecs[e.CodecID],
			TimeScale: 1000,
		}
		switch e.TrackType {
		case 1:
			info.Kind = core.MediaVideo
		case 2:
			info.Kind = core.MediaAudio
		}
		ts := times[e.TrackNumber]
		info.Samples = len(ts)
		if len(ts) > 0 {
			sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
			step := time.Duration(e.DefaultDuration)
			if len(ts) > 1 {
				step = time.Duration(ts[len(ts)-1]-ts[len(ts)-2]) * time.Millisecond
			}
			info.Duration = time.Duration(ts[len(ts)-1]-ts[0])*time.Millisecond + step
		}
		res.Tracks = append(res.Tracks, info)
	}
	return res, nil
}
