// Command cktap is the host-side driver for Coinkite TapSigner, SatsCard
// and SatsChip smart cards.
package main

import "cktap/cmd/cktap"

func main() {
	cktap.Execute()
}
