package dispatcher

// Task names understood by node agents, grouped by driver queue.
const (
	// <hostname>.vm
	TaskDeploy     = "deploy"
	TaskDestroy    = "destroy"
	TaskSleep      = "sleep"
	TaskWakeUp     = "wake_up"
	TaskShutdown   = "shutdown"
	TaskShutOff    = "shut_off"
	TaskReboot     = "reboot"
	TaskReset      = "reset"
	TaskMigrate    = "migrate"
	TaskDomainInfo = "domain_info"
	TaskNodeInfo   = "node_info"

	// <hostname>.net
	TaskNetCreate  = "create"
	TaskNetDestroy = "destroy"

	// <hostname>.storage
	TaskDiskDeploy  = "deploy_disk"
	TaskDiskDestroy = "destroy_disk"
	TaskDeleteDump  = "delete_dump"
)

// Argument keys shared by control plane and agents.
const (
	ArgVM       = "vm"
	ArgName     = "name"
	ArgDisk     = "disk"
	ArgNIC      = "nic"
	ArgPath     = "path"
	ArgDestHost = "dest_host"
	ArgTimeout  = "timeout"
	ArgState    = "state"
)
