package bot

import (
	"fmt"
	"strings"

	"rss_notify/internal/fields"
	"rss_notify/internal/model"
)

// defaultFields is used when a subscription has no selected field.
var defaultFields = []model.FieldSelection{
	{Path: model.KeyTitle, CustomLabel: "Title", IsSelected: true},
	{Path: model.KeyLink, CustomLabel: "Link", IsSelected: true},
}

// FormatNotification builds the message text for a new item from the
// subscription's selected fields, in their configured order.
func FormatNotification(title string, item model.Item, selected []model.FieldSelection) string {
	lines := []string{fmt.Sprintf("New content for %s:", title)}

	var picked []model.FieldSelection
	for _, f := range selected {
		if f.IsSelected {
			picked = append(picked, f)
		}
	}
	if len(picked) == 0 {
		picked = defaultFields
	}

	for _, f := range picked {
		value, _ := fields.Resolve(item, f.Path)
		lines = append(lines, fmt.Sprintf("%s : %s", f.Label(), fields.Render(value, f.Replacements)))
	}
	return strings.Join(lines, "\n\n")
}
