package bus

// Subject table for the access-control namespace. Each functional channel
// has a command subject the middleware consumes and a response subject it
// publishes on; live events and compatibility records get their own.
const (
	SubjectDeviceCommand  = "accessControl.device.command"
	SubjectDeviceResponse = "accessControl.device.response"

	SubjectUserCommand  = "accessControl.user.command"
	SubjectUserResponse = "accessControl.user.response"

	SubjectAttendanceCommand  = "accessControl.attendance.command"
	SubjectAttendanceResponse = "accessControl.attendance.response"

	SubjectSystemCommand  = "accessControl.system.command"
	SubjectSystemResponse = "accessControl.system.response"

	SubjectAttendanceLive   = "accessControl.attendance.live"
	SubjectAttendanceRecord = "accessControl.attendance.record"

	SubjectSystemStatus = "accessControl.system.status"
)

// CommandSubjects lists every subject the dispatcher subscribes to.
func CommandSubjects() []string {
	return []string{
		SubjectDeviceCommand,
		SubjectUserCommand,
		SubjectAttendanceCommand,
		SubjectSystemCommand,
	}
}
