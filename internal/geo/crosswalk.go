// Package geo maps parcels, zips, and vendor submarket names onto a single
// set of submarket geography keys.
package geo

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"gopkg.in/yaml.v3"
)

//go:embed crosswalk/austin.yaml
var austinYAML []byte

// Method records how a location was resolved.
type Method string

// Resolution methods, most precise first.
const (
	MethodPolygon    Method = "polygon"
	MethodZip        Method = "zip"
	MethodAddressZip Method = "address_zip"
	MethodNone       Method = ""
)

// Submarket is one target geography.
type Submarket struct {
	Key      string
	Name     string
	Aliases  []string
	Zips     []string
	Boundary *geom.MultiPolygon
}

// Crosswalk resolves locations and names to submarket keys. Lookups are safe
// for concurrent use; attach boundaries before sharing it.
type Crosswalk struct {
	submarkets []Submarket
	byKey      map[string]int
	zips       map[string]string
	aliases    map[string]string
}

// New builds a crosswalk from submarket definitions. A zip or alias claimed
// by two submarkets is an error.
func New(subs []Submarket) (*Crosswalk, error) {
	cw := &Crosswalk{
		byKey:   make(map[string]int, len(subs)),
		zips:    make(map[string]string),
		aliases: make(map[string]string),
	}
	for _, s := range subs {
		if err := cw.add(s); err != nil {
			return nil, err
		}
	}
	return cw, nil
}

func (cw *Crosswalk) add(s Submarket) error {
	if s.Key == "" {
		s.Key = NormalizeKey(s.Name)
	}
	if s.Key == "" {
		return eris.New("geo: submarket without a name")
	}
	if _, dup := cw.byKey[s.Key]; dup {
		return eris.Errorf("geo: duplicate submarket %q", s.Key)
	}
	for _, z := range s.Zips {
		z = strings.TrimSpace(z)
		if prev, ok := cw.zips[z]; ok {
			return eris.Errorf("geo: zip %s mapped to both %s and %s", z, prev, s.Key)
		}
		cw.zips[z] = s.Key
	}
	for _, a := range s.Aliases {
		ak := NormalizeKey(a)
		if prev, ok := cw.aliases[ak]; ok && prev != s.Key {
			return eris.Errorf("geo: alias %q mapped to both %s and %s", a, prev, s.Key)
		}
		cw.aliases[ak] = s.Key
	}
	cw.byKey[s.Key] = len(cw.submarkets)
	cw.submarkets = append(cw.submarkets, s)
	return nil
}

type crosswalkFile struct {
	Submarkets []struct {
		Name    string   `yaml:"name"`
		Aliases []string `yaml:"aliases"`
		Zips    []string `yaml:"zips"`
	} `yaml:"submarkets"`
}

// Parse reads a YAML crosswalk definition.
func Parse(r io.Reader) (*Crosswalk, error) {
	var f crosswalkFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, eris.Wrap(err, "geo: parse crosswalk")
	}
	subs := make([]Submarket, 0, len(f.Submarkets))
	for _, s := range f.Submarkets {
		subs = append(subs, Submarket{Name: s.Name, Aliases: s.Aliases, Zips: s.Zips})
	}
	return New(subs)
}

// Default returns the built-in Austin metro crosswalk.
func Default() *Crosswalk {
	cw, err := Parse(bytes.NewReader(austinYAML))
	if err != nil {
		panic(err)
	}
	return cw
}

// LoadFile reads a YAML crosswalk from path, or the default when path is empty.
func LoadFile(path string) (*Crosswalk, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: open crosswalk %s", path)
	}
	defer f.Close() //nolint:errcheck
	return Parse(f)
}

// AttachBoundaries sets submarket polygons by key. Unknown keys are returned.
func (cw *Crosswalk) AttachBoundaries(bounds map[string]*geom.MultiPolygon) []string {
	var unknown []string
	for key, mp := range bounds {
		i, ok := cw.byKey[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		cw.submarkets[i].Boundary = mp
	}
	slices.Sort(unknown)
	return unknown
}

// Submarkets returns the submarkets in definition order.
func (cw *Crosswalk) Submarkets() []Submarket {
	return slices.Clone(cw.submarkets)
}

// Lookup maps a vendor or warehouse submarket name to its key. ok is false
// when the name is neither a known submarket nor an alias.
func (cw *Crosswalk) Lookup(name string) (string, bool) {
	key := NormalizeKey(name)
	if key == "" {
		return "", false
	}
	if _, ok := cw.byKey[key]; ok {
		return key, true
	}
	if k, ok := cw.aliases[key]; ok {
		return k, true
	}
	return key, false
}

// ZipSubmarket returns the submarket for a 5-digit zip.
func (cw *Crosswalk) ZipSubmarket(zip string) (string, bool) {
	k, ok := cw.zips[strings.TrimSpace(zip)]
	return k, ok
}

var trailingZip = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\s*$`)

// ZipFromAddress extracts a trailing 5-digit zip from a street address.
func ZipFromAddress(address string) string {
	m := trailingZip.FindStringSubmatch(strings.TrimSpace(address))
	if m == nil {
		return ""
	}
	return m[1]
}

// Resolve locates a parcel: point-in-polygon when coordinates and boundaries
// exist, then the zip, then a zip parsed from the address.
func (cw *Crosswalk) Resolve(lat, lon float64, zip, address string) (string, Method) {
	if lat != 0 || lon != 0 {
		for _, s := range cw.submarkets {
			if Contains(s.Boundary, lon, lat) {
				return s.Key, MethodPolygon
			}
		}
	}
	if zip != "" {
		if k, ok := cw.ZipSubmarket(zip[:min(5, len(zip))]); ok {
			return k, MethodZip
		}
	}
	if z := ZipFromAddress(address); z != "" {
		if k, ok := cw.ZipSubmarket(z); ok {
			return k, MethodAddressZip
		}
	}
	return "", MethodNone
}
