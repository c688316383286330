package worker

// State 对应 service worker 的生命周期阶段。
type State string

const (
	StateIdle         State = "idle"
	StateInstalling   State = "installing"
	StateInstalled    State = "installed"
	StateActivating   State = "activating"
	StateActive       State = "active"
	StateRedundant    State = "redundant"
	StateUnregistered State = "unregistered"
)

// BackgroundSyncTag 是唯一被识别的后台同步标签。
const BackgroundSyncTag = "background-sync"
