// Copyright 2021-2022 The livefeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package consumer

// Weapon primary entity weapon type
type Weapon string

// Known weapon types
const (
	WeaponHeavyBoltgun Weapon = "HEAVY_BOLTGUN"
	WeaponBoltPistol   Weapon = "BOLT_PISTOL"
	WeaponPlasmaGun    Weapon = "PLASMA_GUN"
	WeaponHeavyFlamer  Weapon = "HEAVY_FLAMER"
)

// Coordinates entity position
type Coordinates struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// SpaceMarine primary entity as returned by the collection API
type SpaceMarine struct {
	ID           int64        `json:"id" validate:"gte=1"`
	Name         string       `json:"name" validate:"required"`
	Coordinates  *Coordinates `json:"coordinates" validate:"required"`
	CreationDate string       `json:"creationDate,omitempty"`
	ChapterID    int64        `json:"chapterId" validate:"gte=0"`
	Health       int64        `json:"health" validate:"gte=1"`
	Achievements string       `json:"achievements"`
	Height       float64      `json:"height"`
	WeaponType   *Weapon      `json:"weaponType,omitempty" validate:"omitempty,oneof=HEAVY_BOLTGUN BOLT_PISTOL PLASMA_GUN HEAVY_FLAMER"`
}

// Chapter grouping entity as returned by the collection API
type Chapter struct {
	ID           int64  `json:"id" validate:"gte=1"`
	Name         string `json:"name" validate:"required"`
	MarinesCount int64  `json:"marinesCount" validate:"gte=0,lte=1000"`
}

// MarinePage one page of primary entities
type MarinePage struct {
	Content       []SpaceMarine `json:"content" validate:"dive"`
	TotalPages    int           `json:"totalPages" validate:"gte=0"`
	TotalElements int64         `json:"totalElements" validate:"gte=0"`
	Number        int           `json:"number" validate:"gte=0"`
}

// MarineQuery listing parameters for primary entities
type MarineQuery struct {
	// Page zero based page index
	Page int `validate:"gte=0"`
	// Size page size
	Size         int `validate:"gte=1"`
	SortBy       string
	Name         string
	Achievements string
}
