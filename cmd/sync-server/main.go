package main

import (
	"github.com/fisker/zsync-backend/internal/app"
)

func main() {
	// Initialize application
	application, err := app.Initialize("")
	if err != nil {
		panic(err)
	}

	// Start server
	app.StartServer(application)
}
