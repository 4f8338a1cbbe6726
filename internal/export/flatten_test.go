package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/formsync/internal/form"
)

const surveyYAML = `
id: household_survey
title: Household Survey
fields:
  - name: respondent
    type: text
    label: Respondent name
  - name: location
    type: geopoint
    label: Household location
  - name: water_sources
    type: select_multiple
    label: Water sources
    choices: [river, well, piped]
  - name: meta
    type: group
    fields:
      - name: interviewer
        type: text
        label: Interviewer
  - name: children
    type: repeat
    label: Children
    fields:
      - name: age
        type: integer
        label: Age
      - name: immunization
        type: group
        fields:
          - name: polio_1
            type: select_one
            label: Polio 1
            choices:
              - name: yes
                label: "Yes"
              - name: no
                label: "No"
`

func parseSurvey(t *testing.T) *form.Definition {
	t.Helper()
	def, err := form.Parse([]byte(surveyYAML))
	require.NoError(t, err)
	return def
}

func sampleRecord() map[string]any {
	return map[string]any{
		"respondent":    "Ada",
		"location":      "1.5 36.9 1700.0 4.0",
		"water_sources": "river piped",
		"meta": map[string]any{
			"interviewer": "Joe",
		},
		"children": []any{
			map[string]any{
				"children/age": float64(4),
				"children/immunization/polio_1": "yes",
			},
			map[string]any{
				"children/age": float64(7),
			},
		},
		"_uuid":            "abc-123",
		"_submission_time": "2026-08-01T10:00:00Z",
		"_tags":            []any{"verified", "west region"},
		"_status":          "submitted_via_web",
	}
}

func TestFlattenColumnsAndRows(t *testing.T) {
	f := NewFlattener(parseSurvey(t), DefaultOptions())
	result, err := f.Flatten([]map[string]any{sampleRecord()})
	require.NoError(t, err)

	require.Equal(t, []string{
		"respondent",
		"location",
		"location/_latitude",
		"location/_longitude",
		"location/_altitude",
		"location/_precision",
		"water_sources/river",
		"water_sources/well",
		"water_sources/piped",
		"meta/interviewer",
		"children[1]/age",
		"children[1]/immunization/polio_1",
		"children[2]/age",
		"_uuid",
		"_submission_time",
		"_tags",
		"_notes",
		"_version",
		"_duration",
		"_submitted_by",
	}, result.Columns)

	row := result.Rows[0]
	require.Equal(t, "Ada", row["respondent"])
	require.Equal(t, "1.5", row["location/_latitude"])
	require.Equal(t, "4.0", row["location/_precision"])
	require.Equal(t, true, row["water_sources/river"])
	require.Equal(t, false, row["water_sources/well"])
	require.Equal(t, true, row["water_sources/piped"])
	require.Equal(t, "Joe", row["meta/interviewer"])
	require.Equal(t, float64(4), row["children[1]/age"])
	require.Equal(t, "yes", row["children[1]/immunization/polio_1"])
	require.Equal(t, float64(7), row["children[2]/age"])
	require.Equal(t, "verified, west region", row["_tags"])

	// ignored system fields never surface
	_, ok := row["_status"]
	require.False(t, ok)
}

func TestFlattenBinarySelectMultiples(t *testing.T) {
	opts := DefaultOptions()
	opts.BinarySelectMultiples = true
	f := NewFlattener(parseSurvey(t), opts)
	result, err := f.Flatten([]map[string]any{sampleRecord()})
	require.NoError(t, err)

	row := result.Rows[0]
	require.Equal(t, 1, row["water_sources/river"])
	require.Equal(t, 0, row["water_sources/well"])
}

func TestFlattenWithoutSplitting(t *testing.T) {
	opts := DefaultOptions()
	opts.SplitSelectMultiples = false
	f := NewFlattener(parseSurvey(t), opts)
	result, err := f.Flatten([]map[string]any{sampleRecord()})
	require.NoError(t, err)

	require.Contains(t, result.Columns, "water_sources")
	require.NotContains(t, result.Columns, "water_sources/river")
	require.Equal(t, "river piped", result.Rows[0]["water_sources"])
}

func TestFlattenMalformedGeopoint(t *testing.T) {
	rec := sampleRecord()
	rec["location"] = "not-a-point"
	f := NewFlattener(parseSurvey(t), DefaultOptions())
	result, err := f.Flatten([]map[string]any{rec})
	require.NoError(t, err)

	rendered := f.RenderRow(result.Rows[0], result.Columns)
	idx := indexOf(t, result.Columns, "location/_latitude")
	require.Equal(t, "n/a", rendered[idx])
}

func TestRenderRowNARep(t *testing.T) {
	opts := DefaultOptions()
	opts.NARep = "-"
	f := NewFlattener(parseSurvey(t), opts)
	result, err := f.Flatten([]map[string]any{{"respondent": "Ada"}})
	require.NoError(t, err)

	rendered := f.RenderRow(result.Rows[0], result.Columns)
	require.Equal(t, "Ada", rendered[0])
	require.Equal(t, "-", rendered[indexOf(t, result.Columns, "meta/interviewer")])
}

func TestHeaderRowVariants(t *testing.T) {
	cols := []string{"meta/interviewer", "children[1]/age"}

	opts := DefaultOptions()
	opts.RemoveGroupName = true
	f := NewFlattener(parseSurvey(t), opts)
	rows := f.HeaderRows(cols)
	require.Len(t, rows, 1)
	require.Equal(t, []string{"interviewer", "age"}, rows[0])

	opts = DefaultOptions()
	opts.GroupDelimiter = GroupDelimiterDot
	f = NewFlattener(parseSurvey(t), opts)
	require.Equal(t, []string{"meta.interviewer", "children[1].age"}, f.HeaderRows(cols)[0])

	opts = DefaultOptions()
	opts.IncludeLabels = true
	f = NewFlattener(parseSurvey(t), opts)
	rows = f.HeaderRows(cols)
	require.Len(t, rows, 2)
	require.Equal(t, "Interviewer", rows[1][0])
	require.Equal(t, "Age", rows[1][1])

	opts = DefaultOptions()
	opts.IncludeLabelsOnly = true
	f = NewFlattener(parseSurvey(t), opts)
	rows = f.HeaderRows(cols)
	require.Len(t, rows, 1)
	require.Equal(t, "Interviewer", rows[0][0])
}

func TestTagEditStringQuoting(t *testing.T) {
	rec := map[string]any{"_tags": []any{"plain", "has, both pieces"}}
	tagEditString(rec)
	require.Equal(t, `"has, both pieces", plain`, rec["_tags"])
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, parseSurvey(t), []map[string]any{sampleRecord()}, DefaultOptions())
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "respondent", rows[0][0])
	require.Equal(t, "Ada", rows[1][0])
	require.Equal(t, len(rows[0]), len(rows[1]))
}

func TestWriteCSVZip(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSVZip(&buf, parseSurvey(t), []map[string]any{sampleRecord()}, DefaultOptions())
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	require.Equal(t, "household_survey.csv", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	rows, err := csv.NewReader(rc).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestWriteGeoJSON(t *testing.T) {
	var buf bytes.Buffer
	records := []map[string]any{
		sampleRecord(),
		{"respondent": "Bea"},
	}
	err := WriteGeoJSON(&buf, parseSurvey(t), records)
	require.NoError(t, err)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry *struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fc))
	require.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)

	first := fc.Features[0]
	require.NotNil(t, first.Geometry)
	require.Equal(t, "Point", first.Geometry.Type)
	// longitude first
	require.InDelta(t, 36.9, first.Geometry.Coordinates[0], 1e-9)
	require.InDelta(t, 1.5, first.Geometry.Coordinates[1], 1e-9)
	require.Equal(t, "Ada", first.Properties["respondent"])

	require.Nil(t, fc.Features[1].Geometry)
}

func TestFlattenFlatRepeatKeys(t *testing.T) {
	// submissions stored with already-flat repeat entry keys
	rec := map[string]any{
		"children": []any{
			map[string]any{"children/age": float64(2)},
		},
	}
	f := NewFlattener(parseSurvey(t), DefaultOptions())
	result, err := f.Flatten([]map[string]any{rec})
	require.NoError(t, err)
	require.Equal(t, float64(2), result.Rows[0]["children[1]/age"])
	require.Contains(t, result.Columns, "children[1]/age")
}

func TestFlattenRepeatInsideGroupKeepsPosition(t *testing.T) {
	const censusYAML = `
id: village_census
fields:
  - name: household
    type: group
    fields:
      - name: members
        type: repeat
        fields:
          - name: age
            type: integer
  - name: village
    type: text
`
	def, err := form.Parse([]byte(censusYAML))
	require.NoError(t, err)

	rec := map[string]any{
		"household": map[string]any{
			"members": []any{
				map[string]any{"age": float64(34)},
				map[string]any{"age": float64(6)},
			},
		},
		"village": "Kibera",
	}
	f := NewFlattener(def, DefaultOptions())
	result, err := f.Flatten([]map[string]any{rec})
	require.NoError(t, err)

	// the repeat is declared before village, its columns stay before it
	first := indexOf(t, result.Columns, "household/members[1]/age")
	second := indexOf(t, result.Columns, "household/members[2]/age")
	village := indexOf(t, result.Columns, "village")
	require.Less(t, first, second)
	require.Less(t, second, village)
	require.Equal(t, float64(34), result.Rows[0]["household/members[1]/age"])
	require.Equal(t, float64(6), result.Rows[0]["household/members[2]/age"])
}

func TestFlattenNestedRepeatFamilies(t *testing.T) {
	const nestedYAML = `
id: nested_survey
fields:
  - name: children
    type: repeat
    fields:
      - name: age
        type: integer
      - name: toys
        type: repeat
        fields:
          - name: name
            type: text
  - name: notes_taker
    type: text
`
	def, err := form.Parse([]byte(nestedYAML))
	require.NoError(t, err)

	rec := map[string]any{
		"children": []any{
			map[string]any{
				"age":  float64(9),
				"toys": []any{map[string]any{"name": "ball"}, map[string]any{"name": "kite"}},
			},
			map[string]any{"age": float64(5)},
		},
		"notes_taker": "Joe",
	}
	f := NewFlattener(def, DefaultOptions())
	result, err := f.Flatten([]map[string]any{rec})
	require.NoError(t, err)

	// outer repeat columns group together, inner repeat columns follow as
	// their own family, both ahead of the trailing top-level question
	age1 := indexOf(t, result.Columns, "children[1]/age")
	age2 := indexOf(t, result.Columns, "children[2]/age")
	toy1 := indexOf(t, result.Columns, "children[1]/toys[1]/name")
	toy2 := indexOf(t, result.Columns, "children[1]/toys[2]/name")
	taker := indexOf(t, result.Columns, "notes_taker")
	require.Less(t, age1, age2)
	require.Less(t, age2, toy1)
	require.Less(t, toy1, toy2)
	require.Less(t, toy2, taker)

	row := result.Rows[0]
	require.Equal(t, "ball", row["children[1]/toys[1]/name"])
	require.Equal(t, "kite", row["children[1]/toys[2]/name"])
	require.Equal(t, float64(5), row["children[2]/age"])
}

func indexOf(t *testing.T, list []string, want string) int {
	t.Helper()
	for i, s := range list {
		if s == want {
			return i
		}
	}
	t.Fatalf("column %q not found in %v", want, list)
	return -1
}

