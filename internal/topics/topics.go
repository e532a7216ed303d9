// Package topics maps pot ids to the MQTT topics the pot firmware uses.
package topics

import (
	"fmt"
	"strings"

	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
)

// Kind is the last segment of a telemetry topic.
type Kind string

const (
	KindStatus Kind = "status"
	KindLog    Kind = "log"
)

// TelemetryWildcard subscribes to every pot's telemetry.
const TelemetryWildcard = "pot/+/update/+"

func Command(potID string) string {
	return "pot/" + potID + "/command"
}

func Schedule(potID string) string {
	return "pot/" + potID + "/schedule"
}

func Telemetry(potID string, kind Kind) string {
	return "pot/" + potID + "/update/" + string(kind)
}

// Parse splits pot/<id>/update/<kind>. Any other shape is MalformedMessage.
// The kind is returned as-is; callers decide what an unknown kind means.
func Parse(topic string) (string, Kind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "pot" || parts[2] != "update" || parts[1] == "" || parts[3] == "" {
		return "", "", &errcode.E{C: errcode.MalformedMessage, Op: "parse topic", Msg: fmt.Sprintf("%q", topic)}
	}
	return parts[1], Kind(parts[3]), nil
}
