package main

import "github.com/astroAycha/geospatial-mlops/cmd"

func main() {
	cmd.Execute()
}
