// Package omexml provides a minimal data model for OME-XML metadata
// (2016-06 schema), covering the subset needed to describe multi-dimensional
// pixel data: Image, Pixels, Channel and TiffData elements.
package omexml

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Namespace is the OME 2016-06 schema namespace.
const Namespace = "http://www.openmicroscopy.org/Schemas/OME/2016-06"

// OME is the document root.
type OME struct {
	XMLName xml.Name `xml:"OME"`
	Xmlns   string   `xml:"xmlns,attr"`
	Creator string   `xml:"Creator,attr,omitempty"`
	Images  []Image  `xml:"Image"`
}

// Image describes one scene.
type Image struct {
	ID     string `xml:"ID,attr"`
	Name   string `xml:"Name,attr,omitempty"`
	Pixels Pixels `xml:"Pixels"`
}

// Pixels describes the pixel array of an Image.
type Pixels struct {
	ID             string     `xml:"ID,attr"`
	DimensionOrder string     `xml:"DimensionOrder,attr"`
	Type           string     `xml:"Type,attr"`
	SizeX          int        `xml:"SizeX,attr"`
	SizeY          int        `xml:"SizeY,attr"`
	SizeZ          int        `xml:"SizeZ,attr"`
	SizeC          int        `xml:"SizeC,attr"`
	SizeT          int        `xml:"SizeT,attr"`
	BigEndian      *bool      `xml:"BigEndian,attr,omitempty"`
	Interleaved    *bool      `xml:"Interleaved,attr,omitempty"`
	Channels       []Channel  `xml:"Channel"`
	TiffData       []TiffData `xml:"TiffData"`
}

// Channel describes one channel of a Pixels element.
type Channel struct {
	ID              string `xml:"ID,attr"`
	Name            string `xml:"Name,attr,omitempty"`
	SamplesPerPixel int    `xml:"SamplesPerPixel,attr,omitempty"`
}

// TiffData locates planes within a TIFF container.
type TiffData struct {
	IFD        *int `xml:"IFD,attr,omitempty"`
	FirstZ     *int `xml:"FirstZ,attr,omitempty"`
	FirstC     *int `xml:"FirstC,attr,omitempty"`
	FirstT     *int `xml:"FirstT,attr,omitempty"`
	PlaneCount *int `xml:"PlaneCount,attr,omitempty"`
}

// New returns an empty OME document with the 2016-06 namespace set.
func New(creator string) *OME {
	return &OME{Xmlns: Namespace, Creator: creator}
}

// AddImage appends an image with the standard OME ID scheme and returns a
// pointer to it for further population.
func (o *OME) AddImage(name string) *Image {
	idx := len(o.Images)
	o.Images = append(o.Images, Image{
		ID:   fmt.Sprintf("Image:%d", idx),
		Name: name,
		Pixels: Pixels{
			ID:             fmt.Sprintf("Pixels:%d", idx),
			DimensionOrder: "XYZCT",
		},
	})
	return &o.Images[idx]
}

// SetChannels populates the Pixels channel list. Empty names are omitted
// from the serialized Name attribute.
func (img *Image) SetChannels(names []string) {
	imgIdx := strings.TrimPrefix(img.ID, "Image:")
	img.Pixels.Channels = img.Pixels.Channels[:0]
	for c, name := range names {
		img.Pixels.Channels = append(img.Pixels.Channels, Channel{
			ID:              fmt.Sprintf("Channel:%s:%d", imgIdx, c),
			Name:            name,
			SamplesPerPixel: 1,
		})
	}
}

// XML serializes the document with an XML declaration and two-space indent.
func (o *OME) XML() (string, error) {
	body, err := xml.MarshalIndent(o, "", "  ")
	if err != nil {
		return "", fmt.Errorf("omexml: marshal: %w", err)
	}
	return xml.Header + string(body) + "\n", nil
}

// Parse decodes an OME-XML document. Unknown elements are ignored.
func Parse(s string) (*OME, error) {
	var o OME
	if err := xml.Unmarshal([]byte(s), &o); err != nil {
		return nil, fmt.Errorf("omexml: parse: %w", err)
	}
	return &o, nil
}
