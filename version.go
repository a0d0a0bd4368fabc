package gdwatch

// Version is set at build time with -ldflags "-X github.com/mashiike/gdwatch.Version=...".
var Version = "current"
