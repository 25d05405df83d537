package gradebook

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/scrapers/lms"
	"lmsfetch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_gradebook_groups = "gradebook.fetch-groups"

	groupTableID = "userGroupList_datatable"
)

type Group struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Member is a course participant and the groups they are in.
type Member struct {
	Username  string  `json:"username"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Role      string  `json:"role"`
	Groups    []Group `json:"groups"`
}

func groupsUrl(courseID string) string {
	u := url.URL{Path: "/webapps/bb-group-mgmt-LEARN/execute/groupInventoryList"}
	u.RawQuery = url.Values{
		"course_id":   {courseID},
		"toggleType":  {"users"},
		"chkAllRoles": {"on"},
	}.Encode()
	return u.String()
}

// extractGroupCell reads the username out of "Name au123456" cells and the
// group links out of the Groups column.
func extractGroupCell(key string, cell *goquery.Selection, text string) (any, error) {
	switch key {
	case "userorgroupname":
		fields := strings.Fields(text)
		if len(fields) == 0 {
			return "", nil
		}
		return fields[len(fields)-1], nil
	case "Groups":
		groups := []Group{}
		var err error
		cell.Find("a.userGroupNameListItemRemove").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			id := a.AttrOr("id", "")
			if !strings.HasPrefix(id, "rmv_") {
				err = fmt.Errorf("%q does not start with %q", id, "rmv_")
				return false
			}
			groups = append(groups, Group{
				Name: htmlutil.TextContent(a),
				ID:   strings.TrimPrefix(id, "rmv_"),
			})
			return true
		})
		return groups, err
	}
	return text, nil
}

// FetchGroups maps the username of every participant to their groups.
func FetchGroups(ctx context.Context, getter lms.Getter, courseID string, tel telemetry.API) (map[string]Member, error) {
	res, keys, rows, err := lms.FetchTable(
		ctx, getter, groupsUrl(courseID),
		lms.WithTableID(groupTableID),
		lms.WithExtract(extractGroupCell),
		lms.WithTelemetry(tel),
	)
	if err != nil {
		return nil, err
	}

	columns := map[string]int{}
	for _, name := range []string{"userorgroupname", "firstname", "lastname", "Role", "Groups"} {
		i := keys.Index(name)
		if i < 0 {
			return nil, lms.NewParseError(fmt.Sprintf("no %q column in %q", name, []string(keys)), res)
		}
		columns[name] = i
	}

	members := map[string]Member{}
	for _, row := range rows {
		username := row.String(columns["userorgroupname"])
		var groups []Group
		if i := columns["Groups"]; i < len(row) {
			groups, _ = row[i].([]Group)
		}
		members[username] = Member{
			Username:  username,
			FirstName: row.String(columns["firstname"]),
			LastName:  row.String(columns["lastname"]),
			Role:      row.String(columns["Role"]),
			Groups:    groups,
		}
	}
	tel.ReportDebug(report_gradebook_groups, len(members))
	return members, nil
}
