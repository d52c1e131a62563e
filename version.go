package main

import "fmt"

// Set through -ldflags "-X main.gitSHA1=...".
var (
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildID   string = "unknown"
	buildDate string = "unknown"
)

func GitSHA1() string {
	return gitSHA1
}

func GitDirty() string {
	return gitDirty
}

// versionString is shown in the startup log and the console banner.
func versionString() string {
	v := fmt.Sprintf("nioendpoint (git:%s", GitSHA1())
	if GitDirty() != "" && GitDirty() != "0" && GitDirty() != "unknown" {
		v += "-dirty"
	}
	return v + ", build:" + buildID + " " + buildDate + ")"
}
