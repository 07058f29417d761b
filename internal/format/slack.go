// Package format translates research output into Slack's mrkdwn dialect.
// All functions are pure.
package format

import (
	"strconv"
	"strings"
)

const banner = "🔬 *Deep Research Results* 🔬"

// Research converts markdown heading and emphasis markers to Slack bold and
// prepends the report banner. Slack has no heading syntax; a leading `*`
// renders the heading line bold.
func Research(content string) string {
	formatted := content
	formatted = strings.ReplaceAll(formatted, "### ", "*")
	formatted = strings.ReplaceAll(formatted, "## ", "*")
	formatted = strings.ReplaceAll(formatted, "# ", "*")
	formatted = strings.ReplaceAll(formatted, "**", "*")
	return banner + "\n\n" + formatted
}

var dayNames = map[string]string{
	"0": "Sunday", "1": "Monday", "2": "Tuesday", "3": "Wednesday",
	"4": "Thursday", "5": "Friday", "6": "Saturday", "7": "Sunday",
}

// CronDescription renders a five-field cron expression as a human-readable
// schedule for listings. Only the shapes the service produces are described;
// anything else falls back to the raw expression.
func CronDescription(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return expr
	}
	minute, hour, dom, month, dow := parts[0], parts[1], parts[2], parts[3], parts[4]
	if dom != "*" || month != "*" {
		return expr
	}

	var dayStr string
	switch dow {
	case "*":
		dayStr = "Every day"
	case "1-5":
		dayStr = "Weekdays"
	case "6,0", "0,6":
		dayStr = "Weekends"
	default:
		var names []string
		for _, d := range strings.Split(dow, ",") {
			name, ok := dayNames[d]
			if !ok {
				return expr
			}
			names = append(names, name)
		}
		switch len(names) {
		case 1:
			dayStr = names[0]
		default:
			dayStr = strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
		}
	}

	h, err1 := strconv.Atoi(hour)
	m, err2 := strconv.Atoi(minute)
	if err1 != nil || err2 != nil {
		return expr
	}
	return dayStr + " at " + strconv.Itoa(h) + ":" + pad2(m)
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
