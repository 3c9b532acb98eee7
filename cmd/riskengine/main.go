// Command riskengine runs the collateral risk keeper and its operator tools.
package main

import "collateral-risk/internal/cli"

func main() {
	cli.Execute()
}
