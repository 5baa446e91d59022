package source

import (
	"bytes"
	"encoding/json"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mf-intel/internal/config"
	"github.com/sells-group/mf-intel/internal/fetcher"
	"github.com/sells-group/mf-intel/internal/model"
)

// socrata is the SODA API used by data.austintexas.gov.
type socrata struct {
	cfg *config.PermitsConfig
}

// Austin issued-construction-permit fields. Anything else is drift.
var socrataFields = toSet(
	"permittype", "permit_type_desc", "permit_number", "permitnum", "permit_class_mapped", "permit_class",
	"work_class", "condominium", "permit_location", "location_address", "description", "projectname",
	"tcad_id", "legal_description", "applieddate", "issue_date", "day_issued", "calendar_year_issued",
	"fiscal_year_issued", "issued_in_last_30_days", "issue_method", "status_current", "permit_status",
	"statusdate", "expiresdate", "completed_date", "total_existing_bldg_sqft", "remodel_repair_sqft",
	"total_new_add_sqft", "total_valuation_remodel", "total_job_valuation", "number_of_floors",
	"housing_units", "building_valuation", "building_valuation_remodel", "electrical_valuation",
	"electrical_valuation_remodel", "mechanical_valuation", "mechanical_valuation_remodel",
	"plumbing_valuation", "plumbing_valuation_remodel", "medgas_valuation", "medgas_valuation_remodel",
	"original_address1", "original_city", "original_state", "original_zip", "council_district",
	"jurisdiction", "link", "project_id", "masterpermitnum", "latitude", "longitude", "location",
	"contractor_trade", "contractor_company_name", "contractor_full_name", "contractor_phone",
	"contractor_address1", "contractor_address2", "contractor_city", "contractor_zip",
	"applicant_full_name", "applicant_org", "applicant_phone", "applicant_address1",
	"applicant_address2", "applicant_city", "applicantzip", "certificate_of_occupancy", "total_lot_sq_ft",
)

func (s *socrata) name() string { return "socrata" }

func (s *socrata) defaults(cfg *config.PermitsConfig) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if len(cfg.PermitClasses) == 0 {
		cfg.PermitClasses = []string{
			"C- 104 Three & Four Family Bldgs",
			"C- 105 Five or More Family Bldgs",
			"C- 106 Mixed Use",
		}
	}
}

func (s *socrata) resources() []string { return []string{""} }

func (s *socrata) pageURL(_ string, offset int, r model.PeriodRange) (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", eris.Wrapf(err, "socrata: parse endpoint")
	}

	quoted := make([]string, len(s.cfg.PermitClasses))
	for i, c := range s.cfg.PermitClasses {
		quoted[i] = soqlString(c)
	}
	where := "permit_class in(" + strings.Join(quoted, ", ") + ")"
	if !r.From.IsZero() {
		where += " AND issue_date >= " + soqlString(r.From.Start.Format("2006-01-02T15:04:05.000"))
	}
	if !r.To.IsZero() {
		where += " AND issue_date < " + soqlString(r.To.End.Format("2006-01-02T15:04:05.000"))
	}

	q := u.Query()
	q.Set("$limit", strconv.Itoa(s.cfg.PageSize))
	q.Set("$offset", strconv.Itoa(offset))
	q.Set("$order", ":id")
	q.Set("$where", where)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func soqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (s *socrata) decodePage(b []byte) ([]map[string]any, error) {
	page, err := fetcher.DecodeJSONObject[[]map[string]any](bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return *page, nil
}

// knownField also accepts Socrata system fields such as ":id".
func (s *socrata) knownField(f string) bool {
	return socrataFields[f] || strings.HasPrefix(f, ":")
}

func (s *socrata) maxUnits() int { return 1000 }

func (s *socrata) parse(p map[string]any) (permit, error) {
	var out permit
	out.Number = text(p, "permit_number", "permitnum")
	if out.Number == "" {
		return out, schemaMismatch("socrata: permit number missing")
	}
	issued, err := parseDate(text(p, "issue_date"))
	if err != nil {
		return out, schemaMismatch("socrata: permit %s: %v", out.Number, err)
	}
	out.Issued = issued
	out.Master = text(p, "masterpermitnum")
	out.Address = text(p, "permit_location", "location_address", "original_address1")
	out.WorkClass = strings.ToUpper(text(p, "work_class"))
	if z := text(p, "original_zip"); z != "" {
		out.Zip = z[:min(5, len(z))]
	}

	units, _, err := number(p["housing_units"])
	if err != nil {
		return out, schemaMismatch("socrata: permit %s housing_units: %v", out.Number, err)
	}
	out.Units = int(units)

	// Coordinates are optional; a malformed pair leaves the permit to zip resolution.
	lat, latOK, latErr := number(p["latitude"])
	lon, lonOK, lonErr := number(p["longitude"])
	if latErr == nil && lonErr == nil && latOK && lonOK {
		out.Lat, out.Lon = lat, lon
	} else if loc, ok := p["location"].(map[string]any); ok {
		lat, _, latErr = number(loc["latitude"])
		lon, _, lonErr = number(loc["longitude"])
		if latErr == nil && lonErr == nil {
			out.Lat, out.Lon = lat, lon
		}
	}
	return out, nil
}

// ckan is the CKAN datastore API used by data.sanantonio.gov. Its permits
// carry no unit count, so units are estimated from building area.
type ckan struct {
	cfg *config.PermitsConfig
}

var ckanFields = toSet(
	"PERMIT TYPE", "PERMIT #", "ADDRESS", "LOCATION", "X_COORD", "Y_COORD", "WORK TYPE",
	"PROJECT NAME", "AREA (SF)", "AREA_SF", "DECLARED VALUATION", "DATE SUBMITTED", "DATE ISSUED",
	"STATUS", "PRIMARY CONTACT", "CD", "NCD", "HD", "ZONING",
)

const (
	ckanUnitSqFt  = 900
	ckanMaxUnits  = 2000
	ckanWorkClass = "New"
)

func (c *ckan) name() string { return "ckan" }

func (c *ckan) defaults(cfg *config.PermitsConfig) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if len(cfg.PermitClasses) == 0 {
		cfg.PermitClasses = []string{"Comm New Building Permit"}
	}
}

func (c *ckan) resources() []string { return c.cfg.ResourceIDs }

func (c *ckan) pageURL(resource string, offset int, _ model.PeriodRange) (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", eris.Wrapf(err, "ckan: parse endpoint")
	}
	filters, err := json.Marshal(map[string]any{
		"PERMIT TYPE": c.cfg.PermitClasses,
		"WORK TYPE":   ckanWorkClass,
	})
	if err != nil {
		return "", eris.Wrap(err, "ckan: encode filters")
	}

	q := u.Query()
	q.Set("resource_id", resource)
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("filters", string(filters))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type ckanEnvelope struct {
	Success bool `json:"success"`
	Error   any  `json:"error"`
	Result  struct {
		Records []map[string]any `json:"records"`
		Total   int              `json:"total"`
	} `json:"result"`
}

func (c *ckan) decodePage(b []byte) ([]map[string]any, error) {
	env, err := fetcher.DecodeJSONObject[ckanEnvelope](bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, eris.Errorf("ckan: request failed: %v", env.Error)
	}
	return env.Result.Records, nil
}

// knownField also accepts CKAN system fields such as "_id".
func (c *ckan) knownField(f string) bool {
	return ckanFields[f] || strings.HasPrefix(f, "_") || f == "rank"
}

func (c *ckan) maxUnits() int { return ckanMaxUnits }

var ckanLocation = regexp.MustCompile(`(-?\d+\.\d+)[,\s]+(-?\d+\.\d+)`)

func (c *ckan) parse(p map[string]any) (permit, error) {
	var out permit
	out.Number = text(p, "PERMIT #")
	if out.Number == "" {
		return out, schemaMismatch("ckan: permit number missing")
	}
	issued, err := parseDate(text(p, "DATE ISSUED", "DATE SUBMITTED"))
	if err != nil {
		return out, schemaMismatch("ckan: permit %s: %v", out.Number, err)
	}
	out.Issued = issued
	out.Address = text(p, "ADDRESS")
	out.WorkClass = strings.ToUpper(text(p, "WORK TYPE"))
	if pt := text(p, "PERMIT TYPE"); !slices.Contains(c.cfg.PermitClasses, pt) {
		out.WorkClass = ""
	}

	area, _, err := number(firstPresent(p, "AREA (SF)", "AREA_SF"))
	if err != nil {
		return out, schemaMismatch("ckan: permit %s area: %v", out.Number, err)
	}
	out.Units = estimateUnits(area)

	x, _, xErr := number(p["X_COORD"])
	y, _, yErr := number(p["Y_COORD"])
	if xErr == nil && yErr == nil {
		out.Lat, out.Lon = sanAntonioLatLon(x, y)
	}
	if out.Lat == 0 {
		if m := ckanLocation.FindStringSubmatch(text(p, "LOCATION")); m != nil {
			a, _ := strconv.ParseFloat(m[1], 64)
			b, _ := strconv.ParseFloat(m[2], 64)
			out.Lat, out.Lon = sanAntonioLatLon(a, b)
		}
	}
	return out, nil
}

// sanAntonioLatLon accepts a coordinate pair in either order when it falls
// inside the San Antonio bounding box. State Plane values are rejected.
func sanAntonioLatLon(a, b float64) (lat, lon float64) {
	inLon := func(v float64) bool { return v > -100 && v < -97 }
	inLat := func(v float64) bool { return v > 28 && v < 30.5 }
	switch {
	case inLon(a) && inLat(b):
		return b, a
	case inLon(b) && inLat(a):
		return a, b
	}
	return 0, 0
}

func estimateUnits(areaSqFt float64) int {
	if areaSqFt <= 0 {
		return 0
	}
	units := max(minPermitUnits, int(math.Round(areaSqFt/ckanUnitSqFt)))
	return min(units, ckanMaxUnits)
}

func firstPresent(p map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func toSet(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}
