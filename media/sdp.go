/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
)

// ErrNoAudio is returned for offers without a usable audio section.
var ErrNoAudio = errors.New("media: offer has no audio section")

// ValidateAudioOffer checks that an offer carries at least one audio section
// with a non-zero port. Other media sections are tolerated; the answer
// rejects them because only audio codecs are registered.
func ValidateAudioOffer(offer []byte) error {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(offer); err != nil {
		return fmt.Errorf("media: parsing offer: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			return nil
		}
	}
	return ErrNoAudio
}

// AudioCodecs lists the payload format names offered on audio sections,
// resolved through rtpmap when present.
func AudioCodecs(desc []byte) ([]string, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal(desc); err != nil {
		return nil, fmt.Errorf("media: parsing description: %w", err)
	}

	var names []string
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, f := range md.MediaName.Formats {
			var pt uint8
			if _, err := fmt.Sscanf(f, "%d", &pt); err != nil {
				continue
			}
			if codec, err := parsed.GetCodecForPayloadType(pt); err == nil && codec.Name != "" {
				names = append(names, codec.Name)
				continue
			}
			switch pt {
			case 0:
				names = append(names, "PCMU")
			case 8:
				names = append(names, "PCMA")
			}
		}
	}
	return names, nil
}
