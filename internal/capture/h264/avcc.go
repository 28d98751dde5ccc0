package h264

// ConvertAnnexBToAVC rewrites an Annex-B access unit into AVCC framing:
// every NAL unit is prefixed with its 4-byte big-endian length. Access unit
// delimiters and parameter sets are dropped when dropParams is set, since
// MP4 carries SPS/PPS in the sample description.
func ConvertAnnexBToAVC(data []byte, dropParams bool) ([]byte, error) {
	nalus, err := SplitNALUs(data)
	if err != nil {
		return nil, err
	}

	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		if dropParams {
			switch TypeOf(nalu) {
			case NALUnitTypeSPS, NALUnitTypePPS, NALUnitTypeAUD:
				continue
			}
		}
		out = appendLength(out, len(nalu))
		out = append(out, nalu...)
	}
	return out, nil
}

// PrependParameterSetsAVCC prepends SPS/PPS (Annex-B NAL payloads) to an AVCC-access unit
// sps, pps are raw NAL payloads (without start codes). Returns new AVCC buffer.
func PrependParameterSetsAVCC(avcc []byte, sps []byte, pps []byte) []byte {
	if len(avcc) == 0 || len(sps) == 0 || len(pps) == 0 {
		return avcc
	}
	out := make([]byte, 0, 4+len(sps)+4+len(pps)+len(avcc))
	out = appendLength(out, len(sps))
	out = append(out, sps...)
	out = appendLength(out, len(pps))
	out = append(out, pps...)
	out = append(out, avcc...)
	return out
}

func appendLength(b []byte, n int) []byte {
	l := uint32(n)
	return append(b, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
}
