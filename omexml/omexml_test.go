package omexml

import (
	"strings"
	"testing"
)

func TestBuildAndParseRoundTrip(t *testing.T) {
	o := New("go-bioimage")
	img := o.AddImage("scene A")
	img.Pixels.Type = "uint16"
	img.Pixels.SizeX = 64
	img.Pixels.SizeY = 32
	img.Pixels.SizeZ = 5
	img.Pixels.SizeC = 2
	img.Pixels.SizeT = 1
	img.SetChannels([]string{"DAPI", "GFP"})

	doc, err := o.XML()
	if err != nil {
		t.Fatalf("XML: %v", err)
	}
	if !strings.HasPrefix(doc, "<?xml") {
		t.Error("missing XML declaration")
	}
	if !strings.Contains(doc, Namespace) {
		t.Error("missing OME namespace")
	}

	parsed, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Images) != 1 {
		t.Fatalf("Images = %d, want 1", len(parsed.Images))
	}
	p := parsed.Images[0].Pixels
	if p.SizeX != 64 || p.SizeY != 32 || p.SizeZ != 5 || p.SizeC != 2 || p.SizeT != 1 {
		t.Errorf("sizes wrong: %+v", p)
	}
	if p.DimensionOrder != "XYZCT" || p.Type != "uint16" {
		t.Errorf("DimensionOrder/Type wrong: %q %q", p.DimensionOrder, p.Type)
	}
	if len(p.Channels) != 2 || p.Channels[0].Name != "DAPI" || p.Channels[1].Name != "GFP" {
		t.Errorf("channels wrong: %+v", p.Channels)
	}
	if p.Channels[1].ID != "Channel:0:1" {
		t.Errorf("channel ID = %q", p.Channels[1].ID)
	}
}

func TestAddImageIDs(t *testing.T) {
	o := New("")
	o.AddImage("a")
	o.AddImage("b")
	if o.Images[0].ID != "Image:0" || o.Images[1].ID != "Image:1" {
		t.Errorf("IDs = %q, %q", o.Images[0].ID, o.Images[1].ID)
	}
	if o.Images[1].Pixels.ID != "Pixels:1" {
		t.Errorf("Pixels ID = %q", o.Images[1].Pixels.ID)
	}
}

func TestParseIgnoresUnknownElements(t *testing.T) {
	doc := `<OME xmlns="` + Namespace + `">
		<Instrument ID="Instrument:0"><Objective ID="Objective:0"/></Instrument>
		<Image ID="Image:0" Name="x">
			<AcquisitionDate>2024-01-01T00:00:00</AcquisitionDate>
			<Pixels ID="Pixels:0" DimensionOrder="XYZCT" Type="uint8"
				SizeX="4" SizeY="4" SizeZ="1" SizeC="1" SizeT="1"/>
		</Image>
	</OME>`
	o, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(o.Images) != 1 || o.Images[0].Pixels.SizeX != 4 {
		t.Errorf("parsed wrong: %+v", o)
	}
}

func TestPretty(t *testing.T) {
	in := `<?xml version="1.0"?><OME xmlns="` + Namespace + `"><Image ID="Image:0"><Pixels ID="Pixels:0" SizeX="4"><Channel ID="Channel:0:0"/>text</Pixels></Image></OME>`
	got, err := Pretty(in)
	if err != nil {
		t.Fatalf("Pretty: %v", err)
	}
	want := `<?xml version="1.0"?>
<OME xmlns="` + Namespace + `">
  <Image ID="Image:0">
    <Pixels ID="Pixels:0" SizeX="4">
      <Channel ID="Channel:0:0"/>
      text
    </Pixels>
  </Image>
</OME>
`
	if got != want {
		t.Errorf("Pretty mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestPrettyKeepsNamespacePrefixes(t *testing.T) {
	in := `<ome:OME xmlns:ome="` + Namespace + `"><ome:Image ID="Image:0"/></ome:OME>`
	got, err := Pretty(in)
	if err != nil {
		t.Fatalf("Pretty: %v", err)
	}
	if !strings.Contains(got, "<ome:OME") || !strings.Contains(got, "<ome:Image ID=\"Image:0\"/>") {
		t.Errorf("prefixes mangled:\n%s", got)
	}
}

func TestPrettyUnbalanced(t *testing.T) {
	if _, err := Pretty(`<a><b></b>`); err == nil {
		t.Error("unbalanced document should fail")
	}
}
