/*
Copyright © 2023 Glossopoeia
*/
package main

import "github.com/glossopoeia/mvm/cmd"

func main() {
	cmd.Execute()
}
