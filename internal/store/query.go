package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValidateOptions reports whether the filter and sort parameters parse
// into valid SQL, without running a query. Lets callers reject bad input
// up front.
func ValidateOptions(opts ListOptions) error {
	if _, _, err := buildWhere("", opts); err != nil {
		return err
	}
	_, err := buildOrderBy(opts.Sort)
	return err
}

// metaColumns maps API-level meta field names to real table columns.
var metaColumns = map[string]string{
	MetaID:             "id",
	MetaUUID:           "uuid",
	MetaSubmissionTime: "submission_time",
	MetaSubmittedBy:    "submitted_by",
	MetaVersion:        "version",
	MetaDuration:       "duration",
	MetaEdited:         "edited",
}

// fieldExpr returns the SQL expression addressing a queryable field: a real
// column for meta fields, a JSON extraction for form fields.
func fieldExpr(field string) (string, error) {
	if col, ok := metaColumns[field]; ok {
		return col, nil
	}
	if strings.ContainsAny(field, `"'`) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return fmt.Sprintf(`json_extract(data_json, '$."%s"')`, field), nil
}

// buildWhere assembles the WHERE clause for a form's live submissions plus
// the optional JSON query filter and tag include/exclude conditions.
func buildWhere(formID string, opts ListOptions) (string, []any, error) {
	clauses := []string{"form_id = ?", "deleted_at IS NULL"}
	args := []any{formID}

	if q := strings.TrimSpace(opts.Query); q != "" && q != "{}" {
		var filter map[string]any
		if err := json.Unmarshal([]byte(q), &filter); err != nil {
			return "", nil, fmt.Errorf("invalid query filter: %w", err)
		}
		// sorted keys keep generated SQL deterministic
		fields := make([]string, 0, len(filter))
		for f := range filter {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, field := range fields {
			clause, condArgs, err := buildCondition(field, filter[field])
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, clause)
			args = append(args, condArgs...)
		}
	}

	if len(opts.Tags) > 0 {
		clause, tagArgs := tagExistsClause(opts.Tags, true)
		clauses = append(clauses, clause)
		args = append(args, tagArgs...)
	}
	if len(opts.NotTagged) > 0 {
		clause, tagArgs := tagExistsClause(opts.NotTagged, false)
		clauses = append(clauses, clause)
		args = append(args, tagArgs...)
	}

	return strings.Join(clauses, " AND "), args, nil
}

func tagExistsClause(tags []string, include bool) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	clause := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM submission_tags st WHERE st.submission_id = submissions.id AND st.tag IN (%s))",
		placeholders)
	if !include {
		clause = "NOT " + clause
	}
	args := make([]any, len(tags))
	for i, t := range tags {
		args[i] = t
	}
	return clause, args
}

// queryOperators maps filter operators to SQL comparison operators.
var queryOperators = map[string]string{
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
	"$ne":  "!=",
}

func buildCondition(field string, value any) (string, []any, error) {
	expr, err := fieldExpr(field)
	if err != nil {
		return "", nil, err
	}

	ops, isOps := value.(map[string]any)
	if !isOps {
		return expr + " = ?", []any{value}, nil
	}

	var clauses []string
	var args []any
	opNames := make([]string, 0, len(ops))
	for op := range ops {
		opNames = append(opNames, op)
	}
	sort.Strings(opNames)
	for _, op := range opNames {
		operand := ops[op]
		if op == "$i" {
			// case-insensitive substring match
			s, ok := operand.(string)
			if !ok {
				return "", nil, fmt.Errorf("query field %s: $i requires a string", field)
			}
			clauses = append(clauses, expr+" LIKE ?")
			args = append(args, "%"+s+"%")
			continue
		}
		sqlOp, ok := queryOperators[op]
		if !ok {
			return "", nil, fmt.Errorf("query field %s: unsupported operator %s", field, op)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", expr, sqlOp))
		args = append(args, operand)
	}
	if len(clauses) == 0 {
		return "", nil, fmt.Errorf("query field %s: empty operator object", field)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// buildOrderBy parses the sort parameter into an ORDER BY expression.
// Accepted forms: "" (primary key), "field", "-field", or a JSON object
// {"field": 1} / {"field": -1}.
func buildOrderBy(sortSpec string) (string, error) {
	sortSpec = strings.TrimSpace(sortSpec)
	if sortSpec == "" || sortSpec == "{}" {
		return "id", nil
	}

	field := sortSpec
	desc := false

	if strings.HasPrefix(sortSpec, "{") {
		var spec map[string]json.Number
		if err := json.Unmarshal([]byte(sortSpec), &spec); err != nil {
			return "", fmt.Errorf("invalid sort spec: %w", err)
		}
		if len(spec) != 1 {
			return "", fmt.Errorf("sort spec must name exactly one field")
		}
		for f, dir := range spec {
			field = f
			desc = strings.HasPrefix(dir.String(), "-")
		}
	} else if strings.HasPrefix(sortSpec, "-") {
		field = strings.TrimPrefix(sortSpec, "-")
		desc = true
	}

	expr, err := fieldExpr(field)
	if err != nil {
		return "", err
	}
	if desc {
		return expr + " DESC", nil
	}
	return expr + " ASC", nil
}
