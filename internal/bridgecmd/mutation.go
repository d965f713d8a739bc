package bridgecmd

// mutatingPairs lists the openclaw CLI subcommand pairs whose presence in
// a run_command's args makes the command a config mutation.
var mutatingPairs = map[string]map[string]bool{
	"config":   {"set": true, "unset": true},
	"agents":   {"add": true, "remove": true},
	"models":   {"add": true, "remove": true},
	"channels": {"set": true, "unbind": true},
}

// HasMutationArgs decides whether a command intent requires operator
// approval: agent_set_enabled always does; trigger_job and
// approve_request never do; run_command does when its CLI args contain a
// mutating subcommand pair.
func HasMutationArgs(intent string, args []string) bool {
	switch intent {
	case "agent_set_enabled":
		return true
	case "trigger_job", "approve_request":
		return false
	case "run_command":
		for i := 0; i+1 < len(args); i++ {
			if verbs, ok := mutatingPairs[args[i]]; ok && verbs[args[i+1]] {
				return true
			}
		}
		return false
	}
	return false
}
