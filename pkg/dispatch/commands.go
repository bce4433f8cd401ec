package dispatch

// Commands are closed enums per channel. Parsing happens once at the bus
// boundary; everything past it switches on typed values.

type DeviceCommand string

const (
	DeviceTestConnection DeviceCommand = "testConnection"
	DeviceAdd            DeviceCommand = "addDevice"
	DeviceUpdate         DeviceCommand = "updateDevice"
	DeviceDelete         DeviceCommand = "deleteDevice"
	DeviceList           DeviceCommand = "listDevices"
	DeviceSetTime        DeviceCommand = "setDeviceTime"
	DeviceGetTime        DeviceCommand = "getDeviceTime"
	DeviceInfo           DeviceCommand = "getDeviceInfo"
	DeviceRestart        DeviceCommand = "restartDevice"
	DeviceSetNetwork     DeviceCommand = "setDeviceNetwork"
	DeviceReset          DeviceCommand = "resetDevice"
)

func ParseDeviceCommand(s string) (DeviceCommand, bool) {
	switch c := DeviceCommand(s); c {
	case DeviceTestConnection, DeviceAdd, DeviceUpdate, DeviceDelete, DeviceList,
		DeviceSetTime, DeviceGetTime, DeviceInfo, DeviceRestart, DeviceSetNetwork, DeviceReset:
		return c, true
	default:
		return "", false
	}
}

type UserCommand string

const (
	UserCreate          UserCommand = "createUser"
	UserList            UserCommand = "getUsers"
	UserGetByUID        UserCommand = "getUserByUID"
	UserUpdate          UserCommand = "updateUser"
	UserDelete          UserCommand = "deleteUser"
	UserRegisterFinger  UserCommand = "registerFinger"
	UserDeleteFinger    UserCommand = "deleteFinger"
	UserFingerprintList UserCommand = "getFingerprintList"
	UserSyncCards       UserCommand = "syncronizeCard"
	UserDeleteCard      UserCommand = "deleteCard"
	UserSetRole         UserCommand = "setUserRole"
	UserPlaySound       UserCommand = "playSound"
)

// ParseUserCommand accepts both the canonical command names and the legacy
// *Data aliases still used by older publishers.
func ParseUserCommand(s string) (UserCommand, bool) {
	switch s {
	case "createData":
		return UserCreate, true
	case "getData":
		return UserList, true
	case "getByUID":
		return UserGetByUID, true
	case "updateData":
		return UserUpdate, true
	case "deleteData":
		return UserDelete, true
	}

	switch c := UserCommand(s); c {
	case UserCreate, UserList, UserGetByUID, UserUpdate, UserDelete,
		UserRegisterFinger, UserDeleteFinger, UserFingerprintList,
		UserSyncCards, UserDeleteCard, UserSetRole, UserPlaySound:
		return c, true
	default:
		return "", false
	}
}

type AttendanceCommand string

const (
	AttendanceStatus       AttendanceCommand = "getMonitoringStatus"
	AttendanceHistory      AttendanceCommand = "getAttendanceHistory"
	AttendanceRefreshCache AttendanceCommand = "refreshUserCache"
	AttendanceStartLive    AttendanceCommand = "startLiveMonitoring"
	AttendanceStopLive     AttendanceCommand = "stopLiveMonitoring"
)

func ParseAttendanceCommand(s string) (AttendanceCommand, bool) {
	switch c := AttendanceCommand(s); c {
	case AttendanceStatus, AttendanceHistory, AttendanceRefreshCache,
		AttendanceStartLive, AttendanceStopLive:
		return c, true
	default:
		return "", false
	}
}

type SystemCommand string

const (
	SystemStatus       SystemCommand = "getStatus"
	SystemGetConfig    SystemCommand = "getConfig"
	SystemReloadConfig SystemCommand = "reloadConfig"
)

func ParseSystemCommand(s string) (SystemCommand, bool) {
	switch c := SystemCommand(s); c {
	case SystemStatus, SystemGetConfig, SystemReloadConfig:
		return c, true
	default:
		return "", false
	}
}
