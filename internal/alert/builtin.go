package alert

import "time"

// Classes raised by the core itself.
var (
	ClassSourceRunFailed = &Class{
		Name:            "AlertSourceRunFailed",
		Category:        CategorySystem,
		Level:           LevelCritical,
		Title:           "Alert Check Failed",
		Text:            "Failed to check for alert {{.source_name}}: {{.traceback}}",
		ExcludeFromList: true,
	}
	ClassTest = &Class{
		Name:            "Test",
		Category:        CategorySystem,
		Level:           LevelCritical,
		Title:           "Test alert",
		ExcludeFromList: true,
	}
	ClassWorkerLeaked = &Class{
		Name:               "JobWorkerLeaked",
		Category:           CategorySystem,
		Level:              LevelWarning,
		Title:              "Aborted Job Did Not Stop",
		Text:               "Job {{.id}} ({{.method}}) was aborted but its worker did not stop within the grace period.",
		OneShot:            true,
		KeepUntilDismissed: true,
		KeyFields:          []string{"id"},
		ExpiresAfter:       24 * time.Hour,
	}
	ClassHookFailed = &Class{
		Name:               "HookFailed",
		Category:           CategorySystem,
		Level:              LevelError,
		Title:              "Hook Handler Failed",
		Text:               "Handler {{.handler}} of hook {{.hook}} failed: {{.error}}",
		OneShot:            true,
		KeepUntilDismissed: true,
		KeyFields:          []string{"hook", "handler"},
		DeleteKeys:         []string{"hook", "handler"},
	}
	ClassInternalError = &Class{
		Name:               "InternalError",
		Category:           CategorySystem,
		Level:              LevelCritical,
		Title:              "Internal Error",
		Text:               "Internal error in {{.source}} (id {{.correlation_id}}): {{.error}}",
		OneShot:            true,
		KeepUntilDismissed: true,
		KeyFields:          []string{"source"},
		DeleteKeys:         []string{"source"},
		ExpiresAfter:       7 * 24 * time.Hour,
	}
)

// BuiltinClasses returns the classes every engine registers.
func BuiltinClasses() []*Class {
	return []*Class{ClassSourceRunFailed, ClassTest, ClassWorkerLeaked, ClassHookFailed, ClassInternalError}
}
