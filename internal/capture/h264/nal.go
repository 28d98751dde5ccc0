// Package h264 holds the Annex-B helpers the recorder needs: NAL splitting,
// keyframe detection, parameter set extraction and Annex-B to AVCC framing.
package h264

import (
	"bytes"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

var (
	// Standard Annex-B start codes
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// NALUnitType represents H.264 NAL unit types
type NALUnitType uint8

const (
	NALUnitTypeSlice NALUnitType = 1
	NALUnitTypeIDR   NALUnitType = 5
	NALUnitTypeSEI   NALUnitType = 6
	NALUnitTypeSPS   NALUnitType = 7
	NALUnitTypePPS   NALUnitType = 8
	NALUnitTypeAUD   NALUnitType = 9
)

// TypeOf returns the type of a NAL unit without start code.
func TypeOf(nalu []byte) NALUnitType {
	if len(nalu) == 0 {
		return 0
	}
	return NALUnitType(nalu[0] & 0x1F)
}

// HasStartCode checks if data begins with a start code
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// SplitNALUs splits an Annex-B access unit into NAL units without start
// codes. Data without any start code is treated as a single NAL unit.
func SplitNALUs(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !HasStartCode(data) {
		return [][]byte{data}, nil
	}
	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "failed to split annex-b access unit")
	}
	return au, nil
}

// IsKeyFrame checks if the access unit contains an IDR NAL unit
func IsKeyFrame(data []byte) bool {
	nalus, err := SplitNALUs(data)
	if err != nil {
		return false
	}
	for _, nalu := range nalus {
		if TypeOf(nalu) == NALUnitTypeIDR {
			return true
		}
	}
	return false
}

// HasPicture checks if the access unit contains a coded slice
func HasPicture(data []byte) bool {
	nalus, err := SplitNALUs(data)
	if err != nil {
		return false
	}
	for _, nalu := range nalus {
		if t := TypeOf(nalu); t >= NALUnitTypeSlice && t <= NALUnitTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets returns the first SPS and PPS found in an access unit.
func ParameterSets(data []byte) (sps, pps []byte) {
	nalus, err := SplitNALUs(data)
	if err != nil {
		return nil, nil
	}
	for _, nalu := range nalus {
		switch TypeOf(nalu) {
		case NALUnitTypeSPS:
			if sps == nil {
				sps = append([]byte{}, nalu...)
			}
		case NALUnitTypePPS:
			if pps == nil {
				pps = append([]byte{}, nalu...)
			}
		}
	}
	return sps, pps
}

// StreamInfo is what the SPS tells us about the coded picture.
type StreamInfo struct {
	Width  int
	Height int
	FPS    float64
}

// ParseSPS decodes picture size and nominal frame rate from an SPS NAL unit.
func ParseSPS(sps []byte) (StreamInfo, error) {
	var s mch264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return StreamInfo{}, errors.Wrap(err, "failed to parse SPS")
	}
	return StreamInfo{Width: s.Width(), Height: s.Height(), FPS: s.FPS()}, nil
}
