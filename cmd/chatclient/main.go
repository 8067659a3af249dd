// Command chatclient is a terminal client for the realtime chat engine.
package main

func main() {
	Execute()
}
