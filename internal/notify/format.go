package notify

import (
	"fmt"
	"strings"
)

// FormatMessage expands {name} placeholders in a template from the capture
// and context maps. A placeholder with no matching key is left verbatim so
// a typo in a template never drops the notification.
func FormatMessage(template string, values map[string]interface{}) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '{' {
			if c == '}' && i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			b.WriteByte(c)
			continue
		}
		if i+1 < len(template) && template[i+1] == '{' {
			b.WriteByte('{')
			i++
			continue
		}
		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		name := template[i+1 : i+end]
		if v, ok := values[name]; ok {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			b.WriteString(template[i : i+end+1])
		}
		i += end
	}
	return b.String()
}

// MessageValues builds the placeholder vocabulary for a notification.
func MessageValues(req *Request) map[string]interface{} {
	values := make(map[string]interface{}, len(req.Captures)+8)
	for k, v := range req.Captures {
		values[k] = v
	}
	values["name"] = req.Alert.Name
	values["alert_id"] = req.Alert.ID
	values["check_id"] = req.Alert.CheckID
	values["team"] = req.Alert.Team
	values["responsible_team"] = req.Alert.ResponsibleTeam
	values["duration"] = formatDuration(req.Duration)
	values["worker"] = req.WorkerName
	values["entities"] = req.Entity.ID()
	if req.Result != nil {
		values["value"] = req.Result.Value
	}
	values["alert_link"] = req.Link
	return values
}

// AlertLink builds the frontend alert-detail URL for an alert. An empty
// host yields an empty link so templates degrade to nothing.
func AlertLink(host string, alertID int) string {
	if host == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/#/alert-details/%d", host, alertID)
}

// Subject renders the conventional subject line for a notification.
func Subject(req *Request) string {
	state := "ENDED"
	if req.IsAlert {
		state = "NEW ALERT"
		if !req.Changed {
			state = "ALERT ONGOING"
		}
	}
	return fmt.Sprintf("%s: %s on %s", state, FormatMessage(req.Alert.Name, MessageValues(req)), req.Entity.ID())
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "0s"
	}
	s := int(seconds)
	parts := []struct {
		unit string
		size int
	}{{"d", 86400}, {"h", 3600}, {"m", 60}, {"s", 1}}
	var out []string
	for _, p := range parts {
		if s >= p.size {
			out = append(out, fmt.Sprintf("%d%s", s/p.size, p.unit))
			s %= p.size
		}
	}
	if len(out) == 0 {
		return "0s"
	}
	return strings.Join(out, " ")
}
