package cmd

// commandDocs documentation info used for help command.
type commandDocs struct {
	name    string
	params  string
	summary string
	minArgs int
	maxArgs int
}

var commandTable = []commandDocs{
	{name: "status", summary: "Show bind state, connection count and worker pool usage"},
	{name: "pause", summary: "Stop accepting new connections"},
	{name: "resume", summary: "Accept connections again"},
	{name: "maxconn", params: "[n]", summary: "Show or change the connection limit (-1 disables it)", maxArgs: 1},
	{name: "stop", summary: "Drain connections and stop the server"},
	{name: "clear", summary: "Clear the screen"},
	{name: "help", params: "[command]", summary: "Show this help", maxArgs: 1},
	{name: "quit", summary: "Stop the server and leave the console"},
	{name: "exit", summary: "Alias of quit"},
}

func lookupCommand(name string) (commandDocs, bool) {
	for _, c := range commandTable {
		if c.name == name {
			return c, true
		}
	}
	return commandDocs{}, false
}

func commandNames() []string {
	names := make([]string, 0, len(commandTable))
	for _, c := range commandTable {
		names = append(names, c.name)
	}
	return names
}
