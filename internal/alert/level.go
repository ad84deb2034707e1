package alert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level orders alert severity.
type Level int

const (
	LevelInfo Level = iota + 1
	LevelNotice
	LevelWarning
	LevelError
	LevelCritical
	LevelAlert
	LevelEmergency
)

var levelNames = map[Level]string{
	LevelInfo:      "INFO",
	LevelNotice:    "NOTICE",
	LevelWarning:   "WARNING",
	LevelError:     "ERROR",
	LevelCritical:  "CRITICAL",
	LevelAlert:     "ALERT",
	LevelEmergency: "EMERGENCY",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// MarshalJSON renders the level name.
func (l Level) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

// ParseLevel maps a level name to its value.
func ParseLevel(name string) (Level, error) {
	for l, n := range levelNames {
		if strings.EqualFold(n, name) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("alert: unknown level %q", name)
}

// LevelNames lists the level names from lowest to highest.
func LevelNames() []string {
	out := make([]string, 0, len(levelNames))
	for l := LevelInfo; l <= LevelEmergency; l++ {
		out = append(out, levelNames[l])
	}
	return out
}

// Category groups alert classes for display.
type Category string

const (
	CategoryApplications     Category = "APPLICATIONS"
	CategoryAudit            Category = "AUDIT"
	CategoryCertificates     Category = "CERTIFICATES"
	CategoryDirectoryService Category = "DIRECTORY_SERVICE"
	CategoryHA               Category = "HA"
	CategoryHardware         Category = "HARDWARE"
	CategoryNetwork          Category = "NETWORK"
	CategoryReporting        Category = "REPORTING"
	CategorySharing          Category = "SHARING"
	CategoryStorage          Category = "STORAGE"
	CategorySystem           Category = "SYSTEM"
	CategoryTasks            Category = "TASKS"
	CategoryUPS              Category = "UPS"
)

var categoryOrder = []Category{
	CategoryApplications, CategoryAudit, CategoryCertificates, CategoryDirectoryService,
	CategoryHA, CategoryHardware, CategoryNetwork, CategoryReporting, CategorySharing,
	CategoryStorage, CategorySystem, CategoryTasks, CategoryUPS,
}

var categoryTitles = map[Category]string{
	CategoryApplications:     "Applications",
	CategoryAudit:            "Audit",
	CategoryCertificates:     "Certificates",
	CategoryDirectoryService: "Directory Service",
	CategoryHA:               "High-Availability",
	CategoryHardware:         "Hardware",
	CategoryNetwork:          "Network",
	CategoryReporting:        "Reporting",
	CategorySharing:          "Sharing",
	CategoryStorage:          "Storage",
	CategorySystem:           "System",
	CategoryTasks:            "Tasks",
	CategoryUPS:              "UPS",
}

// Title returns the display name of c.
func (c Category) Title() string {
	if t, ok := categoryTitles[c]; ok {
		return t
	}
	return string(c)
}

// Delivery policies.
const (
	PolicyImmediately = "IMMEDIATELY"
	PolicyHourly      = "HOURLY"
	PolicyDaily       = "DAILY"
	PolicyNever       = "NEVER"
)

// Policies lists the delivery policies in evaluation order.
var Policies = []string{PolicyImmediately, PolicyHourly, PolicyDaily, PolicyNever}

// DefaultPolicy applies to classes without an override.
const DefaultPolicy = PolicyImmediately
