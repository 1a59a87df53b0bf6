package hdr

import "testing"

func TestDefault(t *testing.T) {
	t.Parallel()

	m := Default()
	if m.EOTF != HLG {
		t.Errorf("EOTF: got %s, want hlg", m.EOTF)
	}
	if m.RedPrimary != (Chromaticity{0.708, 0.292}) {
		t.Errorf("red primary: got %+v", m.RedPrimary)
	}
	if m.MaxDisplayMasteringLum != 1000 || m.MinDisplayMasteringLum != 0.0001 {
		t.Errorf("mastering luminance: got %v..%v", m.MinDisplayMasteringLum, m.MaxDisplayMasteringLum)
	}
	if m.MaxContentLightLevel != 1000 || m.MaxFrameAverageLightLevel != 50 {
		t.Errorf("light levels: got cll %v fall %v", m.MaxContentLightLevel, m.MaxFrameAverageLightLevel)
	}
}

func TestIngestFallsBackPerField(t *testing.T) {
	t.Parallel()

	src := Default()
	src.EOTF = PQ
	src.MaxContentLightLevel = 4000
	src.WhitePoint = Chromaticity{0.31, 0.33}

	failing := map[Field]bool{FieldMaxCLL: true, FieldWhiteY: true}
	got, missing := Ingest(func(f Field) (float64, bool) {
		if failing[f] {
			return 0, false
		}
		return src.Value(f), true
	})

	if missing != 2 {
		t.Errorf("missing: got %d, want 2", missing)
	}
	if got.EOTF != PQ {
		t.Errorf("EOTF: got %s, want pq", got.EOTF)
	}
	if got.MaxContentLightLevel != Default().MaxContentLightLevel {
		t.Errorf("max cll: got %v, want default %v", got.MaxContentLightLevel, Default().MaxContentLightLevel)
	}
	if got.WhitePoint.X != 0.31 {
		t.Errorf("white x: got %v, want 0.31", got.WhitePoint.X)
	}
	if got.WhitePoint.Y != Default().WhitePoint.Y {
		t.Errorf("white y: got %v, want default", got.WhitePoint.Y)
	}
}

func TestIngestAllFieldsRoundTrip(t *testing.T) {
	t.Parallel()

	src := Default()
	src.EOTF = SDR
	src.ColorSpace = Rec709
	src.MaxFrameAverageLightLevel = 400

	got, missing := Ingest(func(f Field) (float64, bool) { return src.Value(f), true })
	if missing != 0 {
		t.Errorf("missing: got %d, want 0", missing)
	}
	if got != src {
		t.Errorf("Ingest: got %+v, want %+v", got, src)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	if c, err := ParseColorSpace("Rec2020"); err != nil || !c.WideGamut() {
		t.Errorf("ParseColorSpace(Rec2020): got %s, %v", c, err)
	}
	if c, _ := ParseColorSpace("rec709"); c.WideGamut() {
		t.Error("rec709 reported wide gamut")
	}
	if _, err := ParseColorSpace("p3"); err == nil {
		t.Error("ParseColorSpace(p3): want error")
	}
	if e, err := ParseEOTF("pq"); err != nil || e != PQ {
		t.Errorf("ParseEOTF(pq): got %s, %v", e, err)
	}
}
