package bluez

import (
	"strings"

	"github.com/google/uuid"
)

// GATT identifiers of the colorimeter. The write service/characteristic
// receive command frames; the notify pair delivers responses.
var (
	writeServiceUUID  = uuid.MustParse("0000ffe5-0000-1000-8000-00805f9b34fb").String()
	writeCharUUID     = uuid.MustParse("0000ffe9-0000-1000-8000-00805f9b34fb").String()
	notifyServiceUUID = uuid.MustParse("0000ffe0-0000-1000-8000-00805f9b34fb").String()
	notifyCharUUID    = uuid.MustParse("0000ffe4-0000-1000-8000-00805f9b34fb").String()
)

// normalizeUUID brings a BlueZ-reported UUID to canonical lowercase form.
// BlueZ is already consistent here, but adapters have been seen reporting
// uppercase.
func normalizeUUID(s string) string {
	u, err := uuid.Parse(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return u.String()
}

func containsUUID(haystack []string, want string) bool {
	for _, s := range haystack {
		if normalizeUUID(s) == want {
			return true
		}
	}
	return false
}
