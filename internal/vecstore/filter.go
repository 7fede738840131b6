package vecstore

import (
	"fmt"
	"strings"
)

// Filter is a typed row filter compiled to a SQL WHERE clause. Zero values
// mean "no condition". Conditions are ANDed.
type Filter struct {
	// ID matches a single row.
	ID string

	// ProjectPath matches the owning project. With ProjectOrUnscoped set,
	// rows with an empty project_path (crawled before project scoping) are
	// admitted too; callers post-filter those by path containment.
	ProjectPath       string
	ProjectOrUnscoped bool

	// Repository matches pr_comments rows by origin repository.
	Repository string

	// RecordType and NotRecordType match or exclude a record_type.
	RecordType    string
	NotRecordType string

	// Path matches rows by the table's path column exactly.
	Path string

	// ExcludeBasename drops rows whose path has the given base name.
	ExcludeBasename string

	// TestFiles keeps, drops, or ignores test file rows.
	TestFiles TestFileMode
}

// where compiles the filter against a table's path column. The returned
// clause omits the WHERE keyword and is empty when no condition applies.
func (f Filter) where(pathCol string) (string, []any) {
	var conds []string
	var args []any

	if f.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.ID)
	}
	if f.ProjectPath != "" {
		if f.ProjectOrUnscoped {
			conds = append(conds, "(project_path = ? OR project_path = '')")
		} else {
			conds = append(conds, "project_path = ?")
		}
		args = append(args, f.ProjectPath)
	}
	if f.Repository != "" {
		conds = append(conds, "repository = ?")
		args = append(args, f.Repository)
	}
	if f.RecordType != "" {
		conds = append(conds, "record_type = ?")
		args = append(args, f.RecordType)
	}
	if f.NotRecordType != "" {
		conds = append(conds, "(record_type IS NULL OR record_type != ?)")
		args = append(args, f.NotRecordType)
	}
	if f.Path != "" {
		conds = append(conds, pathCol+" = ?")
		args = append(args, f.Path)
	}
	if f.ExcludeBasename != "" {
		conds = append(conds, fmt.Sprintf("(%s != ? AND %s NOT LIKE ?)", pathCol, pathCol))
		args = append(args, f.ExcludeBasename, "%/"+f.ExcludeBasename)
	}

	switch f.TestFiles {
	case TestFilesOnly:
		conds = append(conds, testFileClause(pathCol, false))
	case TestFilesExclude:
		conds = append(conds, testFileClause(pathCol, true))
	}

	return strings.Join(conds, " AND "), args
}

// testFileClause builds the LIKE disjunction for test paths, optionally
// negated.
func testFileClause(pathCol string, negate bool) string {
	likes := make([]string, len(testPathPatterns))
	for i, p := range testPathPatterns {
		likes[i] = fmt.Sprintf("%s LIKE '%s'", pathCol, p)
	}
	clause := "(" + strings.Join(likes, " OR ") + ")"
	if negate {
		return "NOT " + clause
	}
	return clause
}
