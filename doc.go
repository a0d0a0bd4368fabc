// Package gdwatch provides a Google Drive client that lists, downloads and
// watches files.
//
// The core of the package is the [Poller], which follows the Drive change
// feed for a single file. Each cycle fetches every page of changes since the
// saved cursor, prints a line for each change of the watched file, forwards
// the changes to a [Notification] output and saves the new cursor. A failed
// cycle keeps the old cursor and is retried after the delay of a [RetryPolicy].
//
// # Components
//
//   - [App]: wires the Google services, the cursor store and the notification output
//   - [Storage]: persistent cursor store (local file or DynamoDB)
//   - [ChannelProvisioner]: ensures the Cloud Pub/Sub topic and subscription exist
//   - [Notification]: event delivery (file, EventBridge or Cloud Pub/Sub)
//   - [ChangeFilter]: optional CEL expression narrowing the reported changes
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli gdwatch.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, create an [App] instance:
//
//	app, _ := gdwatch.New(ctx, gdwatch.AppConfig{
//	    Storage: gdwatch.StorageOption{Type: "file", DataFile: "gdwatch.dat"},
//	    Channel: gdwatch.ChannelOption{Type: "none"},
//	})
//	defer app.Close()
//	err := app.Watch(ctx, gdwatch.WatchOption{FileID: fileID})
//
// # Authentication
//
// With an OAuth client secret (credentials.json) the installed-app flow is
// used and the token is saved to token.json. Without it, Application Default
// Credentials are used through [github.com/mashiike/gcreds4aws].
package gdwatch
