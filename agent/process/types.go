package process

// Record is one row of a process listing. CPU and Mem are kept as the tool printed them.
type Record struct {
	User    string `json:"user"`
	PID     int    `json:"pid"`
	CPU     string `json:"cpu"`
	Mem     string `json:"mem"`
	Command string `json:"command"`
}

// KillPatternResult reports a pattern kill.
// KilledPIDs comes from a re-query after the kill attempt, so it is a best-effort view: it may list processes
// that were already exiting, and may be empty even when the kill succeeded.
type KillPatternResult struct {
	Status      string `json:"status"`
	ProcessName string `json:"process_name"`
	KilledPIDs  []int  `json:"killed_pids"`
	Command     string `json:"command"`
	ReturnCode  int    `json:"return_code"`
}

type KillExactResult struct {
	Status      string `json:"status"`
	ProcessName string `json:"process_name"`
	Command     string `json:"command"`
	ReturnCode  int    `json:"return_code"`
	Message     string `json:"message,omitempty"`
}

type KillPIDResult struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
	Signal string `json:"signal"`
}

// PortOwner is one open file entry reported for a port.
type PortOwner struct {
	Command string `json:"command"`
	PID     int    `json:"pid"`
	User    string `json:"user"`
	Type    string `json:"type"`
	Name    string `json:"name"`
}

type PortReport struct {
	Port      int         `json:"port"`
	IsOpen    bool        `json:"is_open"`
	Processes []PortOwner `json:"processes"`
	Error     string      `json:"error,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusNoMatch = "no_match"
	StatusFailed  = "failed"
)
