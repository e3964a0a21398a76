package rtp

// SourceDescription holds the SDES items this session announces about
// itself (spec §3). Only CNAME is required by RFC 3550; the rest are
// optional and omitted from encoding when empty.
type SourceDescription struct {
	CNAME string
	Name  string
	Email string
	Phone string
	Loc   string
	Tool  string
	Note  string
}

func (d SourceDescription) toChunk(ssrc uint32) SDESChunk {
	chunk := SDESChunk{Source: ssrc}
	add := func(typ uint8, text string) {
		if text != "" {
			chunk.Items = append(chunk.Items, SDESItem{Type: typ, Text: text})
		}
	}
	add(SDESCNAME, d.CNAME)
	add(SDESName, d.Name)
	add(SDESEmail, d.Email)
	add(SDESPhone, d.Phone)
	add(SDESLoc, d.Loc)
	add(SDESTool, d.Tool)
	add(SDESNote, d.Note)
	return chunk
}
